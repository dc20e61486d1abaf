package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// userRepo implements UserRepository.
type userRepo struct {
	pool *pgxpool.Pool
}

const userColumns = `id, email, created_at, deleted_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.CreatedAt, &u.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	defer observeDB(ctx, "users.get_by_id")()
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	defer observeDB(ctx, "users.get_by_email")()
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND deleted_at IS NULL`, email))
}

// apiTokenRepo implements APITokenRepository.
type apiTokenRepo struct {
	pool *pgxpool.Pool
}

func (r *apiTokenRepo) Create(ctx context.Context, token APIToken) (*APIToken, error) {
	defer observeDB(ctx, "api_tokens.create")()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO api_tokens (user_id, label, token_hash, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		token.UserID, token.Label, token.TokenHash, token.ExpiresAt)
	if err := row.Scan(&token.ID, &token.CreatedAt); err != nil {
		return nil, fmt.Errorf("create api token: %w", err)
	}
	return &token, nil
}

func (r *apiTokenRepo) FindValidByUser(ctx context.Context, userID uuid.UUID) ([]APIToken, error) {
	defer observeDB(ctx, "api_tokens.find_valid_by_user")()
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, label, token_hash, created_at, expires_at, revoked_at, last_used_at
		 FROM api_tokens
		 WHERE user_id = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())`, userID)
	if err != nil {
		return nil, fmt.Errorf("query api tokens: %w", err)
	}
	defer rows.Close()

	var tokens []APIToken
	for rows.Next() {
		var t APIToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Label, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (r *apiTokenRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	defer observeDB(ctx, "api_tokens.revoke")()
	tag, err := r.pool.Exec(ctx,
		`UPDATE api_tokens SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *apiTokenRepo) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	defer observeDB(ctx, "api_tokens.touch_last_used")()
	_, err := r.pool.Exec(ctx, `UPDATE api_tokens SET last_used_at = now() WHERE id = $1`, id)
	return err
}

func (r *apiTokenRepo) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	defer observeDB(ctx, "api_tokens.purge_expired")()
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM api_tokens WHERE (expires_at IS NOT NULL AND expires_at < $1) OR revoked_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge api tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// connectionRepo implements ConnectionRepository.
type connectionRepo struct {
	pool *pgxpool.Pool
}

const connectionColumns = `id, user_id, provider, calendar_id, calendar_name,
	access_token, refresh_token, token_expires_at,
	sync_cursor, last_synced_at, is_connected,
	created_at, updated_at, deleted_at`

func scanConnection(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.CalendarID, &c.CalendarName,
		&c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt,
		&c.SyncCursor, &c.LastSyncedAt, &c.IsConnected,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	return &c, nil
}

func (r *connectionRepo) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	defer observeDB(ctx, "connections.get_by_id")()
	return scanConnection(r.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *connectionRepo) GetOwned(ctx context.Context, id, userID uuid.UUID) (*Connection, error) {
	defer observeDB(ctx, "connections.get_owned")()
	return scanConnection(r.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID))
}

func (r *connectionRepo) ListConnected(ctx context.Context, provider Provider) ([]Connection, error) {
	defer observeDB(ctx, "connections.list_connected")()
	rows, err := r.pool.Query(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections
		 WHERE provider = $1 AND is_connected AND deleted_at IS NULL`, provider)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

func (r *connectionRepo) UpdateCursor(ctx context.Context, id uuid.UUID, cursor string, syncedAt time.Time) error {
	defer observeDB(ctx, "connections.update_cursor")()
	tag, err := r.pool.Exec(ctx,
		`UPDATE calendar_connections
		 SET sync_cursor = $2, last_synced_at = $3, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id, cursor, syncedAt)
	if err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepo) ClearCursor(ctx context.Context, id uuid.UUID) error {
	defer observeDB(ctx, "connections.clear_cursor")()
	tag, err := r.pool.Exec(ctx,
		`UPDATE calendar_connections
		 SET sync_cursor = NULL, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepo) UpdateTokens(ctx context.Context, id uuid.UUID, access, refresh string, expiresAt *time.Time) error {
	defer observeDB(ctx, "connections.update_tokens")()
	tag, err := r.pool.Exec(ctx,
		`UPDATE calendar_connections
		 SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	defer observeDB(ctx, "connections.soft_delete")()
	tag, err := r.pool.Exec(ctx,
		`UPDATE calendar_connections
		 SET deleted_at = now(), is_connected = FALSE, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool *pgxpool.Pool
}

const eventColumns = `id, connection_id, provider_event_id, title, description, location,
	start_time, end_time, is_all_day, timezone, status,
	is_recurring, recurrence_rule, series_master_id,
	importance, categories, meeting_url, conference_id, web_link,
	attendees, metadata, last_synced_at, created_at, updated_at, deleted_at`

func scanEvent(row pgx.Row) (*EventRecord, error) {
	var e EventRecord
	err := row.Scan(
		&e.ID, &e.ConnectionID, &e.ProviderEventID, &e.Title, &e.Description, &e.Location,
		&e.StartTime, &e.EndTime, &e.AllDay, &e.Timezone, &e.Status,
		&e.IsRecurring, &e.RecurrenceRule, &e.SeriesMasterID,
		&e.Importance, &e.Categories, &e.MeetingURL, &e.ConferenceID, &e.WebLink,
		&e.Attendees, &e.Metadata, &e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return &e, nil
}

func (r *eventRepo) GetByProviderID(ctx context.Context, connectionID uuid.UUID, providerEventID string) (*EventRecord, error) {
	defer observeDB(ctx, "events.get_by_provider_id")()
	return scanEvent(r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM calendar_events
		 WHERE connection_id = $1 AND provider_event_id = $2`, connectionID, providerEventID))
}

// Upsert writes one canonical event. A record that reappears after deletion
// has its deleted_at cleared. The returned flag reports whether a new row
// was inserted (xmax = 0 only holds for freshly inserted tuples).
func (r *eventRepo) Upsert(ctx context.Context, rec EventRecord) (bool, error) {
	defer observeDB(ctx, "events.upsert")()
	var created bool
	err := r.pool.QueryRow(ctx,
		`INSERT INTO calendar_events (
			connection_id, provider_event_id, title, description, location,
			start_time, end_time, is_all_day, timezone, status,
			is_recurring, recurrence_rule, series_master_id,
			importance, categories, meeting_url, conference_id, web_link,
			attendees, metadata, last_synced_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (connection_id, provider_event_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			location = EXCLUDED.location,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			is_all_day = EXCLUDED.is_all_day,
			timezone = EXCLUDED.timezone,
			status = EXCLUDED.status,
			is_recurring = EXCLUDED.is_recurring,
			recurrence_rule = EXCLUDED.recurrence_rule,
			series_master_id = EXCLUDED.series_master_id,
			importance = EXCLUDED.importance,
			categories = EXCLUDED.categories,
			meeting_url = EXCLUDED.meeting_url,
			conference_id = EXCLUDED.conference_id,
			web_link = EXCLUDED.web_link,
			attendees = EXCLUDED.attendees,
			metadata = EXCLUDED.metadata,
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = now(),
			deleted_at = NULL
		RETURNING (xmax = 0)`,
		rec.ConnectionID, rec.ProviderEventID, rec.Title, rec.Description, rec.Location,
		rec.StartTime, rec.EndTime, rec.AllDay, rec.Timezone, rec.Status,
		rec.IsRecurring, rec.RecurrenceRule, rec.SeriesMasterID,
		rec.Importance, rec.Categories, rec.MeetingURL, rec.ConferenceID, rec.WebLink,
		rec.Attendees, rec.Metadata, rec.LastSyncedAt,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert event: %w", err)
	}
	return created, nil
}

func (r *eventRepo) MarkDeleted(ctx context.Context, connectionID uuid.UUID, providerEventID string, at time.Time) error {
	defer observeDB(ctx, "events.mark_deleted")()
	_, err := r.pool.Exec(ctx,
		`UPDATE calendar_events
		 SET deleted_at = $3, status = $4, updated_at = now()
		 WHERE connection_id = $1 AND provider_event_id = $2 AND deleted_at IS NULL`,
		connectionID, providerEventID, at, EventCancelled)
	if err != nil {
		return fmt.Errorf("mark event deleted: %w", err)
	}
	return nil
}

func (r *eventRepo) ListByConnection(ctx context.Context, connectionID uuid.UUID, from, to time.Time) ([]EventRecord, error) {
	defer observeDB(ctx, "events.list_by_connection")()
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM calendar_events
		 WHERE connection_id = $1 AND deleted_at IS NULL
		   AND end_time >= $2 AND start_time <= $3
		 ORDER BY start_time`, connectionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// subscriptionRepo implements SubscriptionRepository.
type subscriptionRepo struct {
	pool *pgxpool.Pool
}

const subscriptionColumns = `id, connection_id, provider, subscription_id, resource_path,
	expires_at, client_state, notification_url, last_notification_at, is_active,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID, &s.ConnectionID, &s.Provider, &s.SubscriptionID, &s.ResourcePath,
		&s.ExpiresAt, &s.ClientState, &s.NotificationURL, &s.LastNotificationAt, &s.IsActive,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &s, nil
}

func (r *subscriptionRepo) Create(ctx context.Context, sub Subscription) (*Subscription, error) {
	defer observeDB(ctx, "subscriptions.create")()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO webhook_subscriptions (
			connection_id, provider, subscription_id, resource_path,
			expires_at, client_state, notification_url, is_active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE)
		RETURNING id, created_at, updated_at`,
		sub.ConnectionID, sub.Provider, sub.SubscriptionID, sub.ResourcePath,
		sub.ExpiresAt, sub.ClientState, sub.NotificationURL)
	if err := row.Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	sub.IsActive = true
	return &sub, nil
}

func (r *subscriptionRepo) GetBySubscriptionID(ctx context.Context, provider Provider, subscriptionID string) (*Subscription, error) {
	defer observeDB(ctx, "subscriptions.get_by_subscription_id")()
	return scanSubscription(r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE provider = $1 AND subscription_id = $2`, provider, subscriptionID))
}

func (r *subscriptionRepo) FindActiveByConnection(ctx context.Context, connectionID uuid.UUID) (*Subscription, error) {
	defer observeDB(ctx, "subscriptions.find_active_by_connection")()
	return scanSubscription(r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE connection_id = $1 AND is_active
		 ORDER BY created_at DESC
		 LIMIT 1`, connectionID))
}

func (r *subscriptionRepo) UpdateExpiration(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	defer observeDB(ctx, "subscriptions.update_expiration")()
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhook_subscriptions SET expires_at = $2, updated_at = now() WHERE id = $1`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("update subscription expiration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *subscriptionRepo) TouchNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer observeDB(ctx, "subscriptions.touch_notified")()
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_subscriptions SET last_notification_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *subscriptionRepo) MarkInactive(ctx context.Context, id uuid.UUID) error {
	defer observeDB(ctx, "subscriptions.mark_inactive")()
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_subscriptions SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark subscription inactive: %w", err)
	}
	return nil
}

func (r *subscriptionRepo) ListExpiringBefore(ctx context.Context, deadline time.Time) ([]Subscription, error) {
	defer observeDB(ctx, "subscriptions.list_expiring_before")()
	rows, err := r.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE is_active AND expires_at < $1
		 ORDER BY expires_at`, deadline)
	if err != nil {
		return nil, fmt.Errorf("query expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

func (r *subscriptionRepo) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	defer observeDB(ctx, "subscriptions.deactivate_expired")()
	tag, err := r.pool.Exec(ctx,
		`UPDATE webhook_subscriptions
		 SET is_active = FALSE, updated_at = now()
		 WHERE is_active AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *subscriptionRepo) DeleteByConnection(ctx context.Context, connectionID uuid.UUID) error {
	defer observeDB(ctx, "subscriptions.delete_by_connection")()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM webhook_subscriptions WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	return nil
}
