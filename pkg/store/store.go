// Package store is the SQLite-backed persistent mirror of the conversation
// and message stores, plus the ancillary entities the backup exporter
// walks (distribution lists, call links, sticker packs, notification
// profiles, chat folders, ad-hoc calls).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// ErrWriteLockHeld is returned when write access is paused twice without an
// intervening resume.
var ErrWriteLockHeld = errors.New("write access is already paused")

// Store wraps the SQLite database. All queries go through dbutil so they
// carry a context and log through zerolog.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger

	// Write-access gate. Paused exactly once per export run; writers block
	// on writeResume until the holder releases. See PauseWriteAccess.
	mu           sync.Mutex
	writesPaused bool
	writeResume  chan struct{}
}

// Open creates or opens the database at path and ensures the schema.
//
// SQLite supports one writer at a time, so the pool is capped at a single
// connection; WAL mode keeps readers unblocked during writes.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	rawDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(1)
	rawDB.SetMaxIdleConns(1)

	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	slog := log.With().Str("component", "store").Logger()
	db.Log = dbutil.ZeroLogger(slog)

	s := &Store{db: db, log: slog}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			local_id TEXT NOT NULL PRIMARY KEY,
			kind TEXT NOT NULL,
			primary_identity TEXT NOT NULL DEFAULT '',
			routing_id TEXT NOT NULL DEFAULT '',
			e164 TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			group_version INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			profile_name TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			activity_ts BIGINT NOT NULL DEFAULT 0,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			muted_until_ts BIGINT NOT NULL DEFAULT 0,
			storage_id TEXT NOT NULL DEFAULT '',
			expire_timer_s INTEGER NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id TEXT NOT NULL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			author_service_id TEXT NOT NULL DEFAULT '',
			author_e164 TEXT NOT NULL DEFAULT '',
			sent_ts BIGINT NOT NULL,
			received_ts BIGINT NOT NULL DEFAULT 0,
			body TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'standard',
			expire_timer_s INTEGER NOT NULL DEFAULT 0,
			revision_of TEXT NOT NULL DEFAULT '',
			attachments_json TEXT NOT NULL DEFAULT '',
			detail_json TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS message_conversation_ts_idx
			ON message (conversation_id, sent_ts, id)`,
		`CREATE INDEX IF NOT EXISTS message_page_idx
			ON message (sent_ts, id)`,
		`CREATE INDEX IF NOT EXISTS message_revision_idx
			ON message (revision_of) WHERE revision_of <> ''`,
		`CREATE TABLE IF NOT EXISTS group_membership (
			group_conversation_id TEXT NOT NULL,
			member_conversation_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			PRIMARY KEY (group_conversation_id, member_conversation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session (
			conversation_id TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			record BLOB NOT NULL,
			PRIMARY KEY (conversation_id, device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS identity_key (
			service_id TEXT NOT NULL PRIMARY KEY,
			key_material BLOB NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS storage_sync_pending_delete (
			storage_id TEXT NOT NULL PRIMARY KEY,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attachment_backup_job (
			attachment_id TEXT NOT NULL PRIMARY KEY,
			message_id TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS account_data (
			key TEXT NOT NULL PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS distribution_list (
			id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			allow_replies BOOLEAN NOT NULL DEFAULT TRUE,
			privacy_mode TEXT NOT NULL DEFAULT 'only_with',
			member_ids_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS call_link (
			root_key TEXT NOT NULL PRIMARY KEY,
			admin_key TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			restrictions TEXT NOT NULL DEFAULT 'none',
			expiration_ts BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sticker_pack (
			id TEXT NOT NULL PRIMARY KEY,
			pack_key TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notification_profile (
			id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			emoji TEXT NOT NULL DEFAULT '',
			color INTEGER NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL,
			allow_all_calls BOOLEAN NOT NULL DEFAULT TRUE,
			allow_all_mentions BOOLEAN NOT NULL DEFAULT FALSE,
			allowed_member_ids_json TEXT NOT NULL DEFAULT '[]',
			schedule_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			schedule_start INTEGER NOT NULL DEFAULT 0,
			schedule_end INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chat_folder (
			id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			show_only_unread BOOLEAN NOT NULL DEFAULT FALSE,
			show_muted BOOLEAN NOT NULL DEFAULT TRUE,
			folder_type TEXT NOT NULL DEFAULT 'custom',
			included_ids_json TEXT NOT NULL DEFAULT '[]',
			excluded_ids_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS ad_hoc_call (
			call_id TEXT NOT NULL PRIMARY KEY,
			link_root_key TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'generic',
			call_ts BIGINT NOT NULL
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	// Migration: add group_version column if the table predates it (SQLite
	// doesn't support IF NOT EXISTS on ALTER).
	var hasGroupVersion int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('conversation') WHERE name='group_version'`).Scan(&hasGroupVersion)
	if hasGroupVersion == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE conversation ADD COLUMN group_version INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add group_version column: %w", err)
		}
	}

	return nil
}

// PauseWriteAccess suspends all mutating operations until
// ResumeWriteAccess. Only one holder at a time; a second pause while held
// fails with ErrWriteLockHeld rather than queueing.
func (s *Store) PauseWriteAccess(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writesPaused {
		return ErrWriteLockHeld
	}
	s.writesPaused = true
	s.writeResume = make(chan struct{})
	s.log.Info().Msg("Write access paused")
	return nil
}

// ResumeWriteAccess releases the write gate. Releasing exactly once is the
// holder's obligation on every exit path; a spurious extra resume is logged
// and ignored rather than corrupting the gate.
func (s *Store) ResumeWriteAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.writesPaused {
		s.log.Warn().Msg("Write access resumed while not paused")
		return
	}
	s.writesPaused = false
	close(s.writeResume)
	s.writeResume = nil
	s.log.Info().Msg("Write access resumed")
}

// waitWritable blocks until writes are allowed or the context is done.
// Every mutating operation passes through here.
func (s *Store) waitWritable(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.writesPaused {
			s.mu.Unlock()
			return nil
		}
		resume := s.writeResume
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}
