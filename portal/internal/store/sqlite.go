package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Shared-cache memory databases report table locks instead of waiting on
	// busy_timeout, so serialize them on one connection.
	if strings.Contains(dsn, "mode=memory") || strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
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
			anonymized_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
			view_count INTEGER NOT NULL DEFAULT 0,
			download_count INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_content_items_kind ON content_items(kind)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_content_items_kind_slug ON content_items(kind, slug)`,
		`CREATE TABLE IF NOT EXISTS donations (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL DEFAULT '',
			amount_cents INTEGER NOT NULL,
			currency TEXT NOT NULL DEFAULT 'usd',
			frequency TEXT NOT NULL,
			status TEXT NOT NULL,
			donation_type TEXT NOT NULL DEFAULT '',
			donor_email TEXT NOT NULL DEFAULT '',
			provider_ref TEXT NOT NULL,
			provider_event_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			payment_intent_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			subscription_status TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_donations_provider_ref ON donations(provider_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_donations_member_id ON donations(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_donations_subscription_id ON donations(subscription_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			outcome TEXT NOT NULL,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS checkins (
			member_id TEXT NOT NULL,
			day TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (member_id, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkins_day ON checkins(day)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			subject_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	// Columns added after the first release. SQLite has no ADD COLUMN IF NOT
	// EXISTS, so duplicate column errors are ignored.
	columnMigrations := []struct {
		table, column, definition string
	}{
		{"donations", "donor_email", "TEXT NOT NULL DEFAULT ''"},
		{"checkins", "note", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, cm := range columnMigrations {
		if err := s.addColumnIfNotExists(cm.table, cm.column, cm.definition); err != nil {
			return fmt.Errorf("add column %s.%s: %w", cm.table, cm.column, err)
		}
	}

	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Members ---

const sqliteMemberColumns = "id, external_id, username, password_hash, display_name, email, tier, role, anonymized_at, created_at"

func scanMember(row interface{ Scan(...any) error }) (*Member, error) {
	var m Member
	var anonymized sql.NullTime
	if err := row.Scan(&m.ID, &m.ExternalID, &m.Username, &m.PasswordHash, &m.DisplayName,
		&m.Email, &m.Tier, &m.Role, &anonymized, &m.CreatedAt); err != nil {
		return nil, err
	}
	if anonymized.Valid {
		t := anonymized.Time
		m.AnonymizedAt = &t
	}
	return &m, nil
}

func (s *SQLiteStore) CreateMember(ctx context.Context, m *Member) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (id, external_id, username, password_hash, display_name, email, tier, role, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ExternalID, m.Username, m.PasswordHash, m.DisplayName, m.Email, m.Tier, m.Role, m.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) getMemberWhere(ctx context.Context, where string, arg any) (*Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		"SELECT "+sqliteMemberColumns+" FROM members WHERE "+where, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStore) GetMember(ctx context.Context, id string) (*Member, error) {
	return s.getMemberWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetMemberByUsername(ctx context.Context, username string) (*Member, error) {
	return s.getMemberWhere(ctx, "username = ?", username)
}

func (s *SQLiteStore) GetMemberByExternalID(ctx context.Context, externalID string) (*Member, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.getMemberWhere(ctx, "external_id = ?", externalID)
}

func (s *SQLiteStore) ListMembers(ctx context.Context, limit, offset int) ([]Member, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sqliteMemberColumns+" FROM members ORDER BY created_at LIMIT ? OFFSET ?",
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

func (s *SQLiteStore) UpdateMemberTier(ctx context.Context, id, tier string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE members SET tier = ? WHERE id = ?", tier, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) AnonymizeMember(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET username = ?, external_id = '', password_hash = '', display_name = '',
		        email = '', anonymized_at = ?
		 WHERE id = ? AND anonymized_at IS NULL`,
		anonymizedUsername(id), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- Content ---

const sqliteContentColumns = "id, kind, slug, title, description, tier_required, file_ref, view_count, download_count, created_by, created_at"

func scanContent(row interface{ Scan(...any) error }) (*ContentItem, error) {
	var c ContentItem
	if err := row.Scan(&c.ID, &c.Kind, &c.Slug, &c.Title, &c.Description, &c.TierRequired,
		&c.FileRef, &c.ViewCount, &c.DownloadCount, &c.CreatedBy, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) CreateContent(ctx context.Context, item *ContentItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_items (id, kind, slug, title, description, tier_required, file_ref, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Kind, item.Slug, item.Title, item.Description, item.TierRequired, item.FileRef,
		item.CreatedBy, item.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetContent(ctx context.Context, id string) (*ContentItem, error) {
	c, err := scanContent(s.db.QueryRowContext(ctx,
		"SELECT "+sqliteContentColumns+" FROM content_items WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListContent(ctx context.Context, filter ContentFilter) ([]ContentItem, error) {
	query := "SELECT " + sqliteContentColumns + " FROM content_items"
	var args []any
	if filter.Kind != "" {
		query += " WHERE kind = ?"
		args = append(args, filter.Kind)
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
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

func (s *SQLiteStore) IncrementContentCounter(ctx context.Context, id string, counter Counter) error {
	col, err := counter.column()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE content_items SET %s = %s + 1 WHERE id = ?", col, col), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- Donations ---

const sqliteDonationColumns = `id, member_id, amount_cents, currency, frequency, status, donation_type, donor_email,
	provider_ref, provider_event_id, session_id, payment_intent_id, subscription_id, subscription_status, created_at`

func scanDonation(row interface{ Scan(...any) error }) (*Donation, error) {
	var d Donation
	if err := row.Scan(&d.ID, &d.MemberID, &d.AmountCents, &d.Currency, &d.Frequency, &d.Status,
		&d.DonationType, &d.DonorEmail, &d.ProviderRef, &d.ProviderEventID, &d.SessionID,
		&d.PaymentIntentID, &d.SubscriptionID, &d.SubscriptionStatus, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// ApplyDonation inserts d unless a row with the same provider_ref exists and,
// when upgrade is set, raises the member's tier in the same transaction. It
// reports whether a row was inserted.
func (s *SQLiteStore) ApplyDonation(ctx context.Context, d *Donation, upgrade *TierUpgrade) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO donations (`+sqliteDonationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		query := "UPDATE members SET tier = ? WHERE id = ? AND anonymized_at IS NULL"
		args := []any{upgrade.Tier, upgrade.MemberID}
		if len(upgrade.Keep) > 0 {
			query += " AND tier NOT IN (" + sqlitePlaceholders(len(upgrade.Keep)) + ")"
			for _, t := range upgrade.Keep {
				args = append(args, t)
			}
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

func (s *SQLiteStore) UpdateSubscriptionStatus(ctx context.Context, subscriptionID, status string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE donations SET subscription_status = ? WHERE subscription_id = ? AND subscription_id != ''",
		status, subscriptionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) queryDonations(ctx context.Context, query string, args ...any) ([]Donation, error) {
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

func (s *SQLiteStore) ListDonationsByMember(ctx context.Context, memberID string) ([]Donation, error) {
	return s.queryDonations(ctx,
		"SELECT "+sqliteDonationColumns+" FROM donations WHERE member_id = ? ORDER BY created_at DESC", memberID)
}

func (s *SQLiteStore) ListDonations(ctx context.Context, limit, offset int) ([]Donation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryDonations(ctx,
		"SELECT "+sqliteDonationColumns+" FROM donations ORDER BY created_at DESC LIMIT ? OFFSET ?", limit, offset)
}

func (s *SQLiteStore) ListDonationsBySubscription(ctx context.Context, subscriptionID string) ([]Donation, error) {
	return s.queryDonations(ctx,
		"SELECT "+sqliteDonationColumns+" FROM donations WHERE subscription_id = ? ORDER BY created_at", subscriptionID)
}

// --- Webhook events ---

func (s *SQLiteStore) GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error) {
	var ev WebhookEvent
	err := s.db.QueryRowContext(ctx,
		"SELECT id, type, outcome, received_at FROM webhook_events WHERE id = ?", id,
	).Scan(&ev.ID, &ev.Type, &ev.Outcome, &ev.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &ev, err
}

func (s *SQLiteStore) SaveWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, type, outcome, received_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Type, ev.Outcome, ev.ReceivedAt,
	)
	return err
}

// --- Check-ins ---

func (s *SQLiteStore) RecordCheckIn(ctx context.Context, c *CheckIn) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkins (member_id, day, note, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(member_id, day) DO NOTHING`,
		c.MemberID, c.Day, c.Note, c.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ListCheckInDays(ctx context.Context, memberID, since string) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT day FROM checkins WHERE member_id = ? AND day >= ? ORDER BY day", memberID, since)
}

func (s *SQLiteStore) ListCheckInMembers(ctx context.Context, since string) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT DISTINCT member_id FROM checkins WHERE day >= ? ORDER BY member_id", since)
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
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

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, actor_id, subject_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.ActorID, event.SubjectID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, actor_id, subject_id, detail, created_at FROM audit_events WHERE 1=1`
	var args []any

	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}
	if filter.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}
	if filter.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, filter.SubjectID)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

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

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func sqlitePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
