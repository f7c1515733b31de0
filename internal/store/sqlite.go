package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dripbot/internal/campaign"
	"dripbot/internal/transport"
	"dripbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	notifier

	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const campaignCols = `id, name, messages, target_username, target_type, status,
	messages_per_hour, max_messages, messages_sent, total_messages,
	start_at, created_at, updated_at`

func (s *sqliteStore) List(ctx context.Context) ([]campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		errs, err := s.loadErrors(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Errors = errs
	}
	return out, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, campaign.ErrUnknownCampaign
	}
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.Errors, err = s.loadErrors(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	return c, nil
}

func (s *sqliteStore) Create(ctx context.Context, c campaign.Campaign) error {
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	msgs, err := json.Marshal(c.Messages)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns(`+campaignCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, string(msgs), c.TargetUsername, string(c.TargetType), string(c.Status),
		c.Rate.MessagesPerHour, c.Rate.MaxMessages, c.MessagesSent, c.TotalMessages,
		nullTime(c.StartAt), c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn func(*campaign.Campaign) error) (campaign.Campaign, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return campaign.Campaign{}, err
	}
	next.ID = cur.ID
	next.TotalMessages = cur.TotalMessages // immutable once set
	if err := next.CheckInvariants(); err != nil {
		return campaign.Campaign{}, err
	}
	next.UpdatedAt = time.Now()

	msgs, err := json.Marshal(next.Messages)
	if err != nil {
		return campaign.Campaign{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return campaign.Campaign{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE campaigns SET name=?, messages=?, target_username=?, target_type=?, status=?,
		   messages_per_hour=?, max_messages=?, messages_sent=?, start_at=?, updated_at=?
		 WHERE id=?`,
		next.Name, string(msgs), next.TargetUsername, string(next.TargetType), string(next.Status),
		next.Rate.MessagesPerHour, next.Rate.MaxMessages, next.MessagesSent,
		nullTime(next.StartAt), next.UpdatedAt.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return campaign.Campaign{}, err
	}

	// The error log is append-only, so anything past the old length is new.
	for _, e := range next.Errors[len(cur.Errors):] {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO campaign_errors(id, campaign_id, message, recipient_id, at) VALUES(?,?,?,?,?)`,
			e.ID, id, e.Message, nullStr(e.RecipientID), e.Timestamp.Format(time.RFC3339Nano),
		)
		if err != nil {
			return campaign.Campaign{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return campaign.Campaign{}, err
	}
	s.notify()
	return next, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrUnknownCampaign
	}
	s.notify()
	return nil
}

func (s *sqliteStore) Credentials(ctx context.Context) (transport.Credentials, error) {
	var creds transport.Credentials
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password FROM credentials WHERE id = 1`).
		Scan(&creds.Username, &creds.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return transport.Credentials{}, nil
	}
	if err != nil {
		return transport.Credentials{}, err
	}
	return creds, nil
}

func (s *sqliteStore) SetCredentials(ctx context.Context, creds transport.Credentials) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(id, username, password) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username, password=excluded.password`,
		creds.Username, creds.Password,
	)
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *sqliteStore) loadErrors(ctx context.Context, campaignID string) ([]campaign.Error, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message, recipient_id, at FROM campaign_errors WHERE campaign_id = ? ORDER BY at, id`,
		campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Error
	for rows.Next() {
		var e campaign.Error
		var recipient sql.NullString
		var at string
		if err := rows.Scan(&e.ID, &e.Message, &recipient, &at); err != nil {
			return nil, err
		}
		e.RecipientID = recipient.String
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (campaign.Campaign, error) {
	var c campaign.Campaign
	var msgs, targetType, status, createdAt, updatedAt string
	var startAt sql.NullString
	err := row.Scan(&c.ID, &c.Name, &msgs, &c.TargetUsername, &targetType, &status,
		&c.Rate.MessagesPerHour, &c.Rate.MaxMessages, &c.MessagesSent, &c.TotalMessages,
		&startAt, &createdAt, &updatedAt)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if err := json.Unmarshal([]byte(msgs), &c.Messages); err != nil {
		return campaign.Campaign{}, fmt.Errorf("campaign %s: corrupt messages: %w", c.ID, err)
	}
	c.TargetType = campaign.TargetType(targetType)
	c.Status = campaign.Status(status)
	if startAt.Valid && startAt.String != "" {
		c.StartAt, _ = time.Parse(time.RFC3339Nano, startAt.String)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return c, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
