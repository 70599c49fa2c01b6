package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS members (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT 'free',
			role TEXT NOT NULL DEFAULT 'member',
			anonymized_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_members_external_id ON members(external_id)`,
		`CREATE TABLE IF NOT EXISTS content_items (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			slug TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tier_required TEXT NOT NULL DEFAULT 'free',
			file_ref TEXT NOT NULL DEFAULT '',
			view_count BIGINT NOT NULL DEFAULT 0,
			download_count BIGINT NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(kind, slug)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_items_kind ON content_items(kind)`,
		`CREATE TABLE IF NOT EXISTS donations (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL DEFAULT '',
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'usd',
			frequency TEXT NOT NULL,
			status TEXT NOT NULL,
			donation_type TEXT NOT NULL DEFAULT '',
			donor_email TEXT NOT NULL DEFAULT '',
			provider_ref TEXT NOT NULL UNIQUE,
			provider_event_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			payment_intent_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			subscription_status TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_donations_member_id ON donations(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_donations_subscription_id ON donations(subscription_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS checkins (
			member_id TEXT NOT NULL,
			day TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (member_id, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkins_day ON checkins(day)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			subject_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		// Later additions.
		`ALTER TABLE donations ADD COLUMN IF NOT EXISTS donor_email TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE checkins ADD COLUMN IF NOT EXISTS note TEXT NOT NULL DEFAULT ''`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Members ---

const pgMemberColumns = "id, external_id, username, password_hash, display_name, email, tier, role, anonymized_at, created_at"

func (s *PostgresStore) CreateMember(ctx context.Context, m *Member) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (id, external_id, username, password_hash, display_name, email, tier, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ExternalID, m.Username, m.PasswordHash, m.DisplayName, m.Email, m.Tier, m.Role, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) getMemberWhere(ctx context.Context, where string, arg any) (*Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		"SELECT "+pgMemberColumns+" FROM members WHERE "+where, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *PostgresStore) GetMember(ctx context.Context, id string) (*Member, error) {
	return s.getMemberWhere(ctx, "id = $1", id)
}

func (s *PostgresStore) GetMemberByUsername(ctx context.Context, username string) (*Member, error) {
	return s.getMemberWhere(ctx, "username = $1", username)
}

func (s *PostgresStore) GetMemberByExternalID(ctx context.Context, externalID string) (*Member, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.getMemberWhere(ctx, "external_id = $1", externalID)
}

func (s *PostgresStore) ListMembers(ctx context.Context, limit, offset int) ([]Member, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pgMemberColumns+" FROM members ORDER BY created_at LIMIT $1 OFFSET $2",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) UpdateMemberTier(ctx context.Context, id, tier string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE members SET tier = $1 WHERE id = $2", tier, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) AnonymizeMember(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET username = $1, external_id = '', password_hash = '', display_name = '',
		        email = '', anonymized_at = $2
		 WHERE id = $3 AND anonymized_at IS NULL`,
		anonymizedUsername(id), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- Content ---

const pgContentColumns = "id, kind, slug, title, description, tier_required, file_ref, view_count, download_count, created_by, created_at"

func (s *PostgresStore) CreateContent(ctx context.Context, item *ContentItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_items (id, kind, slug, title, description, tier_required, file_ref, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.Kind, item.Slug, item.Title, item.Description, item.TierRequired, item.FileRef,
		item.CreatedBy, item.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetContent(ctx context.Context, id string) (*ContentItem, error) {
	c, err := scanContent(s.db.QueryRowContext(ctx,
		"SELECT "+pgContentColumns+" FROM content_items WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) ListContent(ctx context.Context, filter ContentFilter) ([]ContentItem, error) {
	query := "SELECT " + pgContentColumns + " FROM content_items"
	var args []any
	argN := 1
	if filter.Kind != "" {
		query += fmt.Sprintf(" WHERE kind = $%d", argN)
		args = append(args, filter.Kind)
		argN++
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []ContentItem
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) IncrementContentCounter(ctx context.Context, id string, counter Counter) error {
	col, err := counter.column()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE content_items SET %s = %s + 1 WHERE id = $1", col, col), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- Donations ---

const pgDonationColumns = `id, member_id, amount_cents, currency, frequency, status, donation_type, donor_email,
	provider_ref, provider_event_id, session_id, payment_intent_id, subscription_id, subscription_status, created_at`

func (s *PostgresStore) ApplyDonation(ctx context.Context, d *Donation, upgrade *TierUpgrade) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO donations (`+pgDonationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT(provider_ref) DO NOTHING`,
		d.ID, d.MemberID, d.AmountCents, d.Currency, d.Frequency, d.Status, d.DonationType, d.DonorEmail,
		d.ProviderRef, d.ProviderEventID, d.SessionID, d.PaymentIntentID, d.SubscriptionID,
		d.SubscriptionStatus, d.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if upgrade != nil && upgrade.MemberID != "" {
		query := "UPDATE members SET tier = $1 WHERE id = $2 AND anonymized_at IS NULL"
		args := []any{upgrade.Tier, upgrade.MemberID}
		if len(upgrade.Keep) > 0 {
			ph := make([]string, len(upgrade.Keep))
			for i, t := range upgrade.Keep {
				ph[i] = fmt.Sprintf("$%d", i+3)
				args = append(args, t)
			}
			query += " AND tier NOT IN (" + strings.Join(ph, ", ") + ")"
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return false, fmt.Errorf("upgrade tier: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, subscriptionID, status string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE donations SET subscription_status = $1 WHERE subscription_id = $2 AND subscription_id <> ''",
		status, subscriptionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) queryDonations(ctx context.Context, query string, args ...any) ([]Donation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var donations []Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, *d)
	}
	return donations, rows.Err()
}

func (s *PostgresStore) ListDonationsByMember(ctx context.Context, memberID string) ([]Donation, error) {
	return s.queryDonations(ctx,
		"SELECT "+pgDonationColumns+" FROM donations WHERE member_id = $1 ORDER BY created_at DESC", memberID)
}

func (s *PostgresStore) ListDonations(ctx context.Context, limit, offset int) ([]Donation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryDonations(ctx,
		"SELECT "+pgDonationColumns+" FROM donations ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
}

func (s *PostgresStore) ListDonationsBySubscription(ctx context.Context, subscriptionID string) ([]Donation, error) {
	return s.queryDonations(ctx,
		"SELECT "+pgDonationColumns+" FROM donations WHERE subscription_id = $1 ORDER BY created_at", subscriptionID)
}

// --- Webhook events ---

func (s *PostgresStore) GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	var ev WebhookEvent
	err := s.db.QueryRowContext(ctx,
		"SELECT id, type, outcome, received_at FROM webhook_events WHERE id = $1", id,
	).Scan(&ev.ID, &ev.Type, &ev.Outcome, &ev.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &ev, err
}

func (s *PostgresStore) SaveWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, type, outcome, received_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Type, ev.Outcome, ev.ReceivedAt,
	)
	return err
}

// --- Check-ins ---

func (s *PostgresStore) RecordCheckIn(ctx context.Context, c *CheckIn) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkins (member_id, day, note, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(member_id, day) DO NOTHING`,
		c.MemberID, c.Day, c.Note, c.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ListCheckInDays(ctx context.Context, memberID, since string) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT day FROM checkins WHERE member_id = $1 AND day >= $2 ORDER BY day", memberID, since)
}

func (s *PostgresStore) ListCheckInMembers(ctx context.Context, since string) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT DISTINCT member_id FROM checkins WHERE day >= $1 ORDER BY member_id", since)
}

func (s *PostgresStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, actor_id, subject_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Action, event.ActorID, event.SubjectID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, actor_id, subject_id, detail, created_at FROM audit_events WHERE 1=1`
	var args []any
	argN := 1

	if filter.Action != "" {
		query += fmt.Sprintf(" AND action LIKE $%d", argN)
		args = append(args, filter.Action+"%")
		argN++
	}
	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argN)
		args = append(args, filter.ActorID)
		argN++
	}
	if filter.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argN)
		args = append(args, filter.SubjectID)
		argN++
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argN)
	args = append(args, limit)
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.SubjectID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
