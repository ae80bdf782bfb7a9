package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"act-placemat/backend/internal/discovery"
	"act-placemat/backend/internal/identity"
	apperrors "act-placemat/backend/pkg/errors"
	"act-placemat/backend/pkg/logger"
)

// ConnectSupabase opens a pool against the Supabase Postgres database and
// verifies it answers.
func ConnectSupabase(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.NewSourceUnavailable("supabase", "connect", err)
	}
	return pool, nil
}

// ============================================================================
// Contact records
// ============================================================================

// SupabaseSource reads LinkedIn and Gmail contact records cached in Supabase
type SupabaseSource struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewSupabaseSource creates a source adapter over an open pool
func NewSupabaseSource(db *pgxpool.Pool) *SupabaseSource {
	return &SupabaseSource{
		db:     db,
		logger: logger.Named("supabase"),
	}
}

type linkedInRow struct {
	ID        string
	FirstName string
	LastName  string
	FullName  string
	Email     string
	Company   string
	Position  string
}

type gmailRow struct {
	ID          string
	DisplayName string
	Email       string
	Company     string
}

// FetchRecords returns the records of kind changed since the given time, or
// all of them when since is nil.
func (s *SupabaseSource) FetchRecords(ctx context.Context, kind identity.SourceKind, since *time.Time) ([]identity.RawRecord, error) {
	switch kind {
	case identity.SourceLinkedIn:
		return s.fetchLinkedIn(ctx, since)
	case identity.SourceGmail:
		return s.fetchGmail(ctx, since)
	}
	return nil, apperrors.NewUnsupportedSource("supabase", string(kind))
}

func (s *SupabaseSource) fetchLinkedIn(ctx context.Context, since *time.Time) ([]identity.RawRecord, error) {
	query := `
		SELECT id::text, coalesce(first_name, ''), coalesce(last_name, ''),
			coalesce(full_name, ''), coalesce(email_address, ''),
			coalesce(current_company, ''), coalesce(current_position, '')
		FROM linkedin_contacts
	`
	args := []interface{}{}
	if since != nil {
		query += " WHERE updated_at >= $1"
		args = append(args, *since)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewSourceUnavailable("supabase", "fetch linkedin", err)
	}
	defer rows.Close()

	records := []identity.RawRecord{}
	for rows.Next() {
		var r linkedInRow
		if err := rows.Scan(&r.ID, &r.FirstName, &r.LastName, &r.FullName, &r.Email, &r.Company, &r.Position); err != nil {
			return nil, fmt.Errorf("scanning linkedin contact: %w", err)
		}
		records = append(records, linkedInRecord(r))
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewSourceUnavailable("supabase", "fetch linkedin", err)
	}

	s.logger.Info("Fetched LinkedIn records", zap.Int("count", len(records)))
	return records, nil
}

func (s *SupabaseSource) fetchGmail(ctx context.Context, since *time.Time) ([]identity.RawRecord, error) {
	query := `
		SELECT id::text, coalesce(display_name, ''), coalesce(email, ''),
			coalesce(organisation, '')
		FROM gmail_contacts
	`
	args := []interface{}{}
	if since != nil {
		query += " WHERE last_seen_at >= $1"
		args = append(args, *since)
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewSourceUnavailable("supabase", "fetch gmail", err)
	}
	defer rows.Close()

	records := []identity.RawRecord{}
	for rows.Next() {
		var r gmailRow
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.Email, &r.Company); err != nil {
			return nil, fmt.Errorf("scanning gmail contact: %w", err)
		}
		records = append(records, gmailRecord(r))
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewSourceUnavailable("supabase", "fetch gmail", err)
	}

	s.logger.Info("Fetched Gmail records", zap.Int("count", len(records)))
	return records, nil
}

// linkedInRecord prefers "first last" over the exported full name, which
// often carries credentials and pronouns.
func linkedInRecord(r linkedInRow) identity.RawRecord {
	name := strings.TrimSpace(strings.TrimSpace(r.FirstName) + " " + strings.TrimSpace(r.LastName))
	if name == "" {
		name = strings.TrimSpace(r.FullName)
	}
	rec := identity.RawRecord{
		SourceKind:  identity.SourceLinkedIn,
		SourceID:    r.ID,
		DisplayName: name,
		Company:     strings.TrimSpace(r.Company),
		Position:    strings.TrimSpace(r.Position),
	}
	if email := strings.TrimSpace(r.Email); email != "" {
		rec.Emails = []string{email}
	}
	return rec
}

// gmailRecord accepts a header style address ("Name <addr>") in the email
// column, and falls back to the header name when no display name is stored.
func gmailRecord(r gmailRow) identity.RawRecord {
	rec := identity.RawRecord{
		SourceKind:  identity.SourceGmail,
		SourceID:    r.ID,
		DisplayName: strings.TrimSpace(r.DisplayName),
		Company:     strings.TrimSpace(r.Company),
		Emails:      identity.ParseAddressList(r.Email),
	}
	if rec.DisplayName == "" {
		if lt := strings.IndexByte(r.Email, '<'); lt > 0 {
			rec.DisplayName = strings.Trim(strings.TrimSpace(r.Email[:lt]), `"`)
		}
	}
	return rec
}

// ============================================================================
// Mail corpus
// ============================================================================

// MailCorpus searches Gmail messages mirrored into Supabase
type MailCorpus struct {
	db     *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// NewMailCorpus creates a text corpus over the gmail_messages table
func NewMailCorpus(db *pgxpool.Pool) *MailCorpus {
	return &MailCorpus{
		db:     db,
		logger: logger.Named("mail-corpus"),
		now:    time.Now,
	}
}

// Search returns messages from the last windowDays whose subject or body
// contains query, newest first.
func (c *MailCorpus) Search(ctx context.Context, query string, windowDays int) ([]discovery.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []discovery.Message{}, nil
	}

	sql := `
		SELECT id::text, coalesce(subject, ''), coalesce(body, ''), is_html,
			coalesce(from_address, ''), coalesce(to_addresses, ''),
			coalesce(cc_addresses, ''), sent_at
		FROM gmail_messages
		WHERE sent_at >= $1
		  AND (subject ILIKE $2 OR body ILIKE $2)
		ORDER BY sent_at DESC
	`
	from := c.now().AddDate(0, 0, -windowDays)
	rows, err := c.db.Query(ctx, sql, from, "%"+escapeLike(query)+"%")
	if err != nil {
		return nil, apperrors.NewSourceUnavailable("supabase", "search messages", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (discovery.Message, error) {
		var (
			id, subject, body, fromAddr, to, cc string
			isHTML                              bool
			sentAt                              time.Time
		)
		if err := row.Scan(&id, &subject, &body, &isHTML, &fromAddr, &to, &cc, &sentAt); err != nil {
			return discovery.Message{}, err
		}
		return mailMessage(id, subject, body, isHTML, fromAddr, to, cc, sentAt), nil
	})
	if err != nil {
		return nil, apperrors.NewSourceUnavailable("supabase", "search messages", err)
	}

	c.logger.Debug("Mail search complete",
		zap.String("query", query),
		zap.Int("window_days", windowDays),
		zap.Int("results", len(messages)))
	return messages, nil
}

func mailMessage(id, subject, body string, isHTML bool, from, to, cc string, sentAt time.Time) discovery.Message {
	participants := identity.ParseAddressList(strings.Join([]string{from, to, cc}, ", "))
	if participants == nil {
		participants = []string{}
	}
	text := body
	if subject != "" {
		if isHTML {
			text = "<p>" + subject + "</p>" + body
		} else {
			text = subject + "\n" + body
		}
	}
	return discovery.Message{
		ID:           id,
		Body:         text,
		IsHTML:       isHTML,
		Participants: participants,
		Timestamp:    sentAt,
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
