// Package archive copies appended messages into MySQL for history and reporting.
// The tree stays the source of truth; the archive is written after the fact.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-sql-driver/mysql"

	"yuim/chatsync/pkg/chat"
)

type Options struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_life"`
	ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

func Open(opt Options) (*sql.DB, error) {
	if opt.MaxOpenConns <= 0 {
		opt.MaxOpenConns = 50
	}
	if opt.MaxIdleConns <= 0 {
		opt.MaxIdleConns = 25
	}
	if opt.ConnMaxLife == 0 {
		opt.ConnMaxLife = 30 * time.Minute
	}
	if opt.ConnMaxIdle == 0 {
		opt.ConnMaxIdle = 5 * time.Minute
	}
	if opt.PingTimeout == 0 {
		opt.PingTimeout = 2 * time.Second
	}

	dsn, err := normalizeDSN(opt.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(opt.MaxOpenConns)
	db.SetMaxIdleConns(opt.MaxIdleConns)
	db.SetConnMaxLifetime(opt.ConnMaxLife)
	db.SetConnMaxIdleTime(opt.ConnMaxIdle)

	ctx, cancel := context.WithTimeout(context.Background(), opt.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// normalizeDSN forces UTC time parsing, which History relies on.
func normalizeDSN(dsn string) (string, error) {
	c, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	c.ParseTime = true
	c.Loc = time.UTC
	return c.FormatDSN(), nil
}

// Schema is the table Repo writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS chat_message (
  conv_id     VARCHAR(128) NOT NULL,
  msg_key     VARCHAR(32)  NOT NULL,
  msg_id      VARCHAR(32)  NOT NULL,
  sender      VARCHAR(64)  NOT NULL,
  receiver    VARCHAR(64)  NULL,
  text        TEXT         NOT NULL,
  location    JSON         NULL,
  file_url    VARCHAR(1024) NULL,
  sent_at     DATETIME(3)  NOT NULL,
  PRIMARY KEY (conv_id, msg_key)
)`

type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, Schema)
	return err
}

// MessageAppended archives m. Replays of the same key are ignored.
func (r *Repo) MessageAppended(ctx context.Context, conversationID string, m chat.Message) error {
	var loc sql.NullString
	if m.Location != nil {
		b, err := json.Marshal(m.Location)
		if err != nil {
			return err
		}
		loc = sql.NullString{String: string(b), Valid: true}
	}
	var file sql.NullString
	if m.File != nil {
		file = sql.NullString{String: *m.File, Valid: true}
	}
	receiver := sql.NullString{String: m.Receiver, Valid: m.Receiver != ""}
	sentAt := m.Time()
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT IGNORE INTO chat_message
(conv_id, msg_key, msg_id, sender, receiver, text, location, file_url, sent_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, conversationID, m.Key, m.ID, m.Sender, receiver, m.Text, loc, file, sentAt.UTC())
	return err
}

// History returns up to limit messages of conversationID stored before beforeKey
// (all when empty), newest first.
func (r *Repo) History(ctx context.Context, conversationID, beforeKey string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if beforeKey == "" {
		beforeKey = "~"
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT msg_key, msg_id, sender, receiver, text, location, file_url, sent_at
FROM chat_message
WHERE conv_id = ? AND msg_key < ?
ORDER BY msg_key DESC
LIMIT ?
`, conversationID, beforeKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Message, 0, limit)
	for rows.Next() {
		var (
			m              chat.Message
			receiver, file sql.NullString
			loc            sql.NullString
			sentAt         time.Time
		)
		if err := rows.Scan(&m.Key, &m.ID, &m.Sender, &receiver, &m.Text, &loc, &file, &sentAt); err != nil {
			return nil, err
		}
		m.Receiver = receiver.String
		if loc.Valid {
			m.Location = &chat.Location{}
			if err := json.Unmarshal([]byte(loc.String), m.Location); err != nil {
				return nil, err
			}
		}
		if file.Valid {
			f := file.String
			m.File = &f
		}
		m.Date = chat.FormatDate(sentAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
