// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurora-msg/aurora/pkg/store"
)

// ErrFlushTimeout is the distinct error kind reported when the downstream
// consumer stalls past the flush ceiling. Callers can tell "consumer
// stalled" apart from a data error with errors.Is.
var ErrFlushTimeout = errors.New("backup flush timed out waiting for consumer")

// State is the export stream's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateFlushing
	StateAccepting
	StateFinished
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFlushing:
		return "flushing"
	case StateAccepting:
		return "accepting"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Stats counts what one export run emitted and skipped, per entity
// category.
type Stats struct {
	Recipients           int
	Chats                int
	SkippedConversations int
	Messages             int
	SkippedMessages      int
	DistributionLists    int
	CallLinks            int
	StickerPacks         int
	NotificationProfiles int
	ChatFolders          int
	AdHocCalls           int
}

// Options configures one export run.
type Options struct {
	Type BackupType
	// FlushTimeout bounds how long a flush waits on a saturated consumer
	// before the run fails. Defaults to 30 minutes: generous, because a
	// consumer uploading to slow storage legitimately stalls for a while,
	// but finite, so a dead consumer cannot hang the run forever.
	FlushTimeout time.Duration
	// PageSize is the message walk page size.
	PageSize int
	// MediaRootBackupKey is the key-material reference carried in the
	// BackupInfo header for encrypted backup types.
	MediaRootBackupKey string
	// MinExpireTimer drops messages whose disappearing timer is shorter
	// than this: they are not worth exporting. Defaults to 24h.
	MinExpireTimer time.Duration
	// Now is the clock used for the BackupInfo header. Injectable so tests
	// and byte-identical re-runs are deterministic.
	Now func() time.Time
}

const (
	defaultFlushTimeout   = 30 * time.Minute
	defaultMinExpireTimer = 24 * time.Hour
	// chunkBufferSize bounds the number of encoded frames queued between
	// the producer and Read: the consumer's backpressure window.
	chunkBufferSize = 16
)

// Stream produces the backup byte stream. Construct with New, start the
// producer with Run (typically on its own goroutine), and consume with
// Read. A Stream is single-use: a failed or cancelled run cannot be
// resumed, only restarted from scratch with a fresh Stream.
type Stream struct {
	log  zerolog.Logger
	st   *store.Store
	opts Options

	out chan []byte

	mu      sync.Mutex
	state   State
	runErr  error
	stats   Stats
	readBuf []byte

	recips  *recipientTable
	chatIDs map[string]uint64
	jobs    []*store.AttachmentBackupJob

	validator *frameValidator
	reports   []ValidationReport
	lineNo    int
}

// New builds a Stream over the given store. For plaintext-export runs, a
// frame validator is attached; validator construction failure is a
// programming error (the schema is embedded) and is returned here rather
// than surfacing mid-run.
func New(log zerolog.Logger, st *store.Store, opts Options) (*Stream, error) {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.MinExpireTimer <= 0 {
		opts.MinExpireTimer = defaultMinExpireTimer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Stream{
		log:     log.With().Str("component", "backup_stream").Str("backup_type", string(opts.Type)).Logger(),
		st:      st,
		opts:    opts,
		out:     make(chan []byte, chunkBufferSize),
		state:   StateIdle,
		recips:  newRecipientTable(),
		chatIDs: make(map[string]uint64),
	}
	if opts.Type == BackupTypePlaintext {
		v, err := newFrameValidator()
		if err != nil {
			return nil, fmt.Errorf("failed to build frame validator: %w", err)
		}
		s.validator = v
	}
	return s, nil
}

// Run performs the export. It pauses store write access for the duration of
// the run and resumes it on every exit path, including errors. Run blocks
// until the stream is fully produced (or failed); consume concurrently via
// Read.
func (s *Stream) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("backup stream already started (state %s)", s.state)
	}
	s.state = StateRunning
	s.mu.Unlock()

	if err := s.st.PauseWriteAccess(ctx); err != nil {
		return s.fail(fmt.Errorf("failed to pause write access: %w", err))
	}
	resumed := false
	resume := func() {
		if !resumed {
			resumed = true
			s.st.ResumeWriteAccess()
		}
	}
	defer resume()

	// Pre-pass: normalize legacy message rows before the walk reads them.
	if err := s.st.MigrateLegacyMessages(ctx); err != nil {
		return s.fail(fmt.Errorf("legacy message migration failed: %w", err))
	}

	if err := s.writeValue(ctx, &BackupInfo{
		Version:            backupVersion,
		BackupTimeMS:       s.opts.Now().UnixMilli(),
		MediaRootBackupKey: s.opts.MediaRootBackupKey,
	}); err != nil {
		return s.fail(err)
	}

	if err := s.exportAll(ctx); err != nil {
		return s.fail(err)
	}

	// Writes come back before the job-queue swap: the swap itself is a
	// write.
	resume()
	if s.opts.Type == BackupTypeRemote {
		for _, job := range s.jobs {
			job.SniffContentType()
		}
		if err := s.st.ReplaceAttachmentBackupJobs(ctx, s.jobs); err != nil {
			return s.fail(fmt.Errorf("failed to swap attachment backup jobs: %w", err))
		}
	}

	s.mu.Lock()
	s.state = StateFinished
	s.mu.Unlock()
	close(s.out)
	s.log.Info().
		Int("recipients", s.stats.Recipients).
		Int("messages", s.stats.Messages).
		Int("skipped_messages", s.stats.SkippedMessages).
		Msg("Backup export finished")
	return nil
}

// fail records the run error, moves to Errored, and closes the stream so
// blocked readers observe the failure. Write access has already been
// resumed by Run's deferred release.
func (s *Stream) fail(err error) error {
	s.mu.Lock()
	if s.runErr == nil {
		s.runErr = err
	}
	s.state = StateErrored
	s.mu.Unlock()
	close(s.out)
	s.log.Error().Err(err).Msg("Backup export failed")
	return err
}

// writeValue encodes one frame (or the header) and flushes it downstream.
func (s *Stream) writeValue(ctx context.Context, v any) error {
	chunk, err := encodeFrame(s.opts.Type, v)
	if err != nil {
		return err
	}
	if s.validator != nil {
		s.lineNo++
		if verr := s.validator.validateLine(chunk); verr != nil {
			// Schema violations in plaintext mode are reported, not fatal.
			s.mu.Lock()
			s.reports = append(s.reports, ValidationReport{Line: s.lineNo, Err: verr})
			s.mu.Unlock()
			s.log.Warn().Err(verr).Int("line", s.lineNo).Msg("Frame failed schema validation")
		}
	}
	return s.flush(ctx, chunk)
}

// flush pushes one encoded chunk downstream. When the consumer's buffer is
// saturated, the stream sits in Accepting until the consumer pulls again;
// if that wait exceeds the flush ceiling, the run fails with
// ErrFlushTimeout instead of hanging forever.
func (s *Stream) flush(ctx context.Context, chunk []byte) error {
	s.setState(StateFlushing)
	defer s.setState(StateRunning)
	select {
	case s.out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.setState(StateAccepting)
	timer := time.NewTimer(s.opts.FlushTimeout)
	defer timer.Stop()
	select {
	case s.out <- chunk:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrFlushTimeout, s.opts.FlushTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) setState(state State) {
	s.mu.Lock()
	if s.state != StateFinished && s.state != StateErrored {
		s.state = state
	}
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Read implements io.Reader for the consumer side. A Read that drains the
// buffer resumes a stalled flush. After the producer finishes, Read returns
// io.EOF; after a failed run it returns the run error.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.readBuf) > 0 {
		n := copy(p, s.readBuf)
		s.readBuf = s.readBuf[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	chunk, ok := <-s.out
	if !ok {
		s.mu.Lock()
		err := s.runErr
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		s.mu.Lock()
		s.readBuf = chunk[n:]
		s.mu.Unlock()
	}
	return n, nil
}

// Stats returns the per-category counts for the run so far.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// AttachmentJobs returns the attachment upload jobs accumulated during the
// run.
func (s *Stream) AttachmentJobs() []*store.AttachmentBackupJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.AttachmentBackupJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// ValidationReports returns the non-fatal schema violations recorded for a
// plaintext-export run, one per offending line.
func (s *Stream) ValidationReports() []ValidationReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ValidationReport, len(s.reports))
	copy(out, s.reports)
	return out
}
