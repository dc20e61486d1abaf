// Package scheduler runs the recurring background tasks: renewing
// subscriptions before the provider expires them, deactivating
// subscriptions that lapsed anyway, and purging dead API tokens.
//
// Deadlines are recomputed from persisted timestamps on every tick, so a
// process restart never loses track of a subscription nearing expiry.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jw6ventures/calsync/internal/store"
)

// Renewer is the slice of the webhook manager the scheduler needs.
type Renewer interface {
	Renew(ctx context.Context, sub *store.Subscription) (time.Time, error)
}

type Config struct {
	RenewInterval   time.Duration // how often to look for expiring subscriptions
	RenewLookahead  time.Duration // how far ahead "expiring" reaches
	CleanupInterval time.Duration // backstop sweep for already-expired records
	TokenPurge      time.Duration // expired API token sweep
	TaskTimeout     time.Duration // upper bound for one task run
}

type Scheduler struct {
	subs    store.SubscriptionRepository
	tokens  store.APITokenRepository
	renewer Renewer
	cfg     Config

	now    func() time.Time
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(subs store.SubscriptionRepository, tokens store.APITokenRepository, renewer Renewer, cfg Config) *Scheduler {
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 12 * time.Hour
	}
	if cfg.RenewLookahead <= 0 {
		cfg.RenewLookahead = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.TokenPurge <= 0 {
		cfg.TokenPurge = 24 * time.Hour
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	return &Scheduler{
		subs:    subs,
		tokens:  tokens,
		renewer: renewer,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start launches the recurring tasks. Each task also runs once
// immediately, so subscriptions that crept toward expiry while the
// process was down get renewed at boot rather than on the first tick.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.every(ctx, s.cfg.RenewInterval, s.renewExpiring)
	s.every(ctx, s.cfg.CleanupInterval, s.cleanupExpired)
	s.every(ctx, s.cfg.TokenPurge, s.purgeTokens)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, task func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		run := func() {
			tctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
			task(tctx)
			cancel()
		}

		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// renewExpiring renews every active subscription that expires within the
// lookahead window. Failures are isolated per subscription.
func (s *Scheduler) renewExpiring(ctx context.Context) {
	deadline := s.now().Add(s.cfg.RenewLookahead)
	subs, err := s.subs.ListExpiringBefore(ctx, deadline)
	if err != nil {
		log.Printf("[ERROR] failed to list expiring subscriptions: %v", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	log.Printf("[INFO] renewing %d subscriptions expiring before %s", len(subs), deadline.Format(time.RFC3339))
	for i := range subs {
		sub := &subs[i]
		if _, err := s.renewer.Renew(ctx, sub); err != nil {
			log.Printf("[ERROR] failed to renew subscription %s: %v", sub.SubscriptionID, err)
		}
	}
}

// cleanupExpired is the backstop: anything already past its expiration is
// dead regardless of renewal attempts, and must stop accepting
// notifications.
func (s *Scheduler) cleanupExpired(ctx context.Context) {
	n, err := s.subs.DeactivateExpired(ctx, s.now())
	if err != nil {
		log.Printf("[ERROR] failed to deactivate expired subscriptions: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[INFO] deactivated %d expired subscriptions", n)
	}
}

func (s *Scheduler) purgeTokens(ctx context.Context) {
	n, err := s.tokens.PurgeExpired(ctx, s.now())
	if err != nil {
		log.Printf("[ERROR] failed to purge expired api tokens: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[INFO] purged %d expired api tokens", n)
	}
}
