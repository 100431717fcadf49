// Package history is a best-effort, append-only audit trail of terminal
// relay sessions. It is purely additive: its absence or failure never
// changes rendezvous/relay behavior (SPEC_FULL.md §6/§7).
package history

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/filebridge/relay/internal/registry"
)

// Store writes a HistoryRecord for every terminal session it observes.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the history table exists. An empty dsn
// disables the store; callers should skip calling Open in that case.
func Open(dsn string) (*Store, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: failed to open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("history: failed to ping database: %w", err)
	}

	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)

	s := &Store{db: sqlDB}
	if err := s.ensureSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.Println("[history] connected to history store")
	return s, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_session_history (
			session_id        TEXT PRIMARY KEY,
			sender_fp         TEXT NOT NULL,
			receiver_fp       TEXT NOT NULL,
			filename          TEXT NOT NULL,
			file_size         BIGINT NOT NULL,
			bytes_transferred BIGINT NOT NULL,
			outcome           TEXT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL,
			terminated_at     TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnTerminal is a registry.OnTerminal callback: it records ev best-effort
// and swallows any failure, logging it rather than propagating it, since a
// history write must never affect a result already delivered to clients.
func (s *Store) OnTerminal(ev registry.TerminalEvent) {
	terminatedAt := ev.ClosedAt
	if terminatedAt.IsZero() {
		terminatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO relay_session_history
			(session_id, sender_fp, receiver_fp, filename, file_size, bytes_transferred, outcome, created_at, terminated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO NOTHING
	`,
		ev.SessionID, ev.SenderFP, ev.ReceiverFP, ev.Filename,
		ev.FileSize, ev.BytesTransferred, string(ev.Outcome), ev.CreatedAt, terminatedAt,
	)
	if err != nil {
		log.Printf("[history] failed to record session %s: %v", ev.SessionID, err)
	}
}
