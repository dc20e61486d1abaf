package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/sync"
)

// Notification is one change entry from the provider's webhook envelope.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

type envelope struct {
	Value []Notification `json:"value"`
}

// Synchronizer is the slice of the sync engine the dispatcher needs.
type Synchronizer interface {
	Synchronize(ctx context.Context, connectionID, userID uuid.UUID, window provider.Window, forceFull bool) (*sync.Result, error)
	DefaultWindow() provider.Window
}

// Dispatcher acknowledges inbound notifications immediately and runs the
// resulting sync passes on a bounded worker pool. The provider's response
// deadline is short and it penalizes slow endpoints, so nothing on the
// request path waits for a provider call.
type Dispatcher struct {
	manager *Manager
	engine  Synchronizer
	conns   store.ConnectionRepository

	jobs    chan Notification
	dedup   Deduper
	timeout time.Duration
	wg      stdsync.WaitGroup
	cancel  context.CancelFunc
}

// NewDispatcher starts the worker pool immediately. A nil dedup disables
// duplicate suppression.
func NewDispatcher(manager *Manager, engine Synchronizer, conns store.ConnectionRepository, dedup Deduper, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if dedup == nil {
		dedup = noopDeduper{}
	}

	d := &Dispatcher{
		manager: manager,
		engine:  engine,
		conns:   conns,
		jobs:    make(chan Notification, queueSize),
		dedup:   dedup,
		timeout: timeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return d
}

// Stop drains the workers. Queued notifications are abandoned; the next
// sync pass for each connection reconciles anything missed.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Handler is the inbound webhook endpoint. A subscription-creation
// challenge gets its validation token echoed back verbatim; change
// envelopes are queued and acknowledged with 202 before any downstream
// work runs.
func (d *Dispatcher) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := r.URL.Query().Get("validationToken"); token != "" {
			metrics.CountNotification("handshake")
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte(token)); err != nil {
				log.Printf("[WARN] failed to echo validation token: %v", err)
			}
			return
		}

		var env envelope
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&env); err != nil {
			http.Error(w, "malformed notification payload", http.StatusBadRequest)
			return
		}
		if env.Value == nil {
			http.Error(w, "notification payload missing change entries", http.StatusBadRequest)
			return
		}

		for _, n := range env.Value {
			if d.dedup.Seen(r.Context(), n.SubscriptionID+"|"+n.ChangeType+"|"+n.Resource) {
				metrics.CountNotification("duplicate")
				continue
			}
			select {
			case d.jobs <- n:
			default:
				// Queue full. Drop rather than block the acknowledgement;
				// the subscription's next notification or scheduled pass
				// catches the change.
				log.Printf("[WARN] notification queue full, dropping entry for subscription %s", n.SubscriptionID)
				metrics.CountNotification("dropped")
			}
		}
		metrics.SetDispatchQueueDepth(len(d.jobs))

		w.WriteHeader(http.StatusAccepted)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.jobs:
			d.process(ctx, n)
			metrics.SetDispatchQueueDepth(len(d.jobs))
		}
	}
}

// process runs the validated notification through to a sync pass. The
// inbound request was acknowledged long ago, so failures here are logged
// and dropped.
func (d *Dispatcher) process(parent context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	sub, err := d.manager.ProcessNotification(ctx, n)
	if err != nil {
		log.Printf("[ERROR] failed to process notification for subscription %s: %v", n.SubscriptionID, err)
		return
	}
	if sub == nil {
		return
	}

	conn, err := d.conns.GetByID(ctx, sub.ConnectionID)
	if err != nil {
		log.Printf("[ERROR] notification for subscription %s references unknown connection %s: %v", n.SubscriptionID, sub.ConnectionID, err)
		return
	}

	if _, err := d.engine.Synchronize(ctx, conn.ID, conn.UserID, d.engine.DefaultWindow(), false); err != nil {
		if errors.Is(err, sync.ErrSyncInProgress) {
			// Another pass is already reconciling this connection; its
			// cursor walk will pick up whatever this notification covered.
			return
		}
		log.Printf("[ERROR] webhook-triggered sync failed for connection %s: %v", conn.ID, err)
	}
}
