package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aurora-msg/aurora/pkg/ident"
)

// MessageKind classifies a persisted message. A kind is either plain
// content, one of the structural-update ("non-bubble") kinds, or a
// recognized transient kind that exists in the store but is excluded from
// backup export.
type MessageKind string

const (
	// Content kinds.
	KindStandard  MessageKind = "standard"
	KindSticker   MessageKind = "sticker"
	KindGiftBadge MessageKind = "gift-badge"
	KindViewOnce  MessageKind = "view-once"

	// Structural update kinds ("non-bubble" chat updates).
	KindCallHistory            MessageKind = "call-history"
	KindGroupCall              MessageKind = "group-call"
	KindGroupChange            MessageKind = "group-v2-change"
	KindGroupMigration         MessageKind = "group-v1-migration"
	KindTimerUpdate            MessageKind = "timer-update"
	KindUniversalTimer         MessageKind = "universal-timer"
	KindProfileChange          MessageKind = "profile-change"
	KindKeyChange              MessageKind = "key-change"
	KindVerifiedChange         MessageKind = "verified-change"
	KindNumberChange           MessageKind = "number-change"
	KindConversationMerge      MessageKind = "conversation-merge"
	KindPhoneNumberDiscovery   MessageKind = "phone-number-discovery"
	KindSessionSwitchover      MessageKind = "session-switchover"
	KindEndSession             MessageKind = "end-session"
	KindContactRemoved         MessageKind = "contact-removed"
	KindDeliveryIssue          MessageKind = "delivery-issue"
	KindPaymentNotification    MessageKind = "payment-notification"
	KindMessageRequestResponse MessageKind = "message-request-response"
	KindReportedSpam           MessageKind = "reported-spam"
	KindUnsupportedProtocol    MessageKind = "unsupported-protocol"
	KindJoinedNotification     MessageKind = "joined-notification"
	KindThreadMerge            MessageKind = "thread-merge"

	// Recognized-but-excluded kinds: present in the store, skipped (and
	// counted) by export.
	KindStory                    MessageKind = "story"
	KindGroupStoryReply          MessageKind = "group-story-reply"
	KindPaymentActivationRequest MessageKind = "payment-activation-request"
)

// IsContent reports whether the kind renders as a plain message bubble.
func (k MessageKind) IsContent() bool {
	switch k {
	case KindStandard, KindSticker, KindGiftBadge, KindViewOnce:
		return true
	default:
		return false
	}
}

// IsUpdate reports whether the kind is a structural ("non-bubble") update.
func (k MessageKind) IsUpdate() bool {
	switch k {
	case KindCallHistory, KindGroupCall, KindGroupChange, KindGroupMigration,
		KindTimerUpdate, KindUniversalTimer, KindProfileChange, KindKeyChange,
		KindVerifiedChange, KindNumberChange, KindConversationMerge,
		KindPhoneNumberDiscovery, KindSessionSwitchover, KindEndSession,
		KindContactRemoved, KindDeliveryIssue, KindPaymentNotification,
		KindMessageRequestResponse, KindReportedSpam, KindUnsupportedProtocol,
		KindJoinedNotification, KindThreadMerge:
		return true
	default:
		return false
	}
}

// IsTransient reports whether the kind is recognized but excluded from
// export.
func (k MessageKind) IsTransient() bool {
	switch k {
	case KindStory, KindGroupStoryReply, KindPaymentActivationRequest:
		return true
	default:
		return false
	}
}

// Attachment is one file referenced by a message.
type Attachment struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	FileName    string `json:"file_name,omitempty"`
}

// Message is one persisted message row.
type Message struct {
	ID             string
	ConversationID string
	AuthorID       ident.ServiceID
	AuthorE164     ident.E164
	SentAt         time.Time
	ReceivedAt     time.Time
	Body           string
	Kind           MessageKind
	ExpireTimer    time.Duration
	// RevisionOf links an edit-history entry to the message it revises.
	// Revisions are not returned by paging; they are fetched per parent.
	RevisionOf  string
	Attachments []Attachment
	// Detail carries the kind-specific payload of structural updates
	// (call state, group change description, old/new timer values, ...).
	Detail map[string]any
}

const messageColumns = `id, conversation_id, author_service_id, author_e164, sent_ts, received_ts,
	body, kind, expire_timer_s, revision_of, attachments_json, detail_json`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var author, authorE164 string
	var sentTS, receivedTS, expireS int64
	var attachmentsJSON, detailJSON string
	err := row.Scan(&msg.ID, &msg.ConversationID, &author, &authorE164, &sentTS, &receivedTS,
		&msg.Body, &msg.Kind, &expireS, &msg.RevisionOf, &attachmentsJSON, &detailJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.AuthorID = ident.ServiceID(author)
	msg.AuthorE164 = ident.E164(authorE164)
	msg.SentAt = tsToTime(sentTS)
	msg.ReceivedAt = tsToTime(receivedTS)
	msg.ExpireTimer = time.Duration(expireS) * time.Second
	if attachmentsJSON != "" {
		if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("bad attachments JSON on message %s: %w", msg.ID, err)
		}
	}
	if detailJSON != "" {
		if err := json.Unmarshal([]byte(detailJSON), &msg.Detail); err != nil {
			return nil, fmt.Errorf("bad detail JSON on message %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

// AddMessage inserts a message row.
func (s *Store) AddMessage(ctx context.Context, msg *Message) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Kind == "" {
		msg.Kind = KindStandard
	}
	var attachmentsJSON, detailJSON string
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to marshal attachments: %w", err)
		}
		attachmentsJSON = string(data)
	}
	if len(msg.Detail) > 0 {
		data, err := json.Marshal(msg.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal detail: %w", err)
		}
		detailJSON = string(data)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO message (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, msg.ID, msg.ConversationID, string(msg.AuthorID), string(msg.AuthorE164),
		timeToTS(msg.SentAt), timeToTS(msg.ReceivedAt), msg.Body, string(msg.Kind),
		int64(msg.ExpireTimer/time.Second), msg.RevisionOf, attachmentsJSON, detailJSON)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// AddChangeNumberNotification inserts a number-change structural update
// into the conversation's history.
func (s *Store) AddChangeNumberNotification(ctx context.Context, conversationID string) error {
	now := time.Now()
	return s.AddMessage(ctx, &Message{
		ConversationID: conversationID,
		Kind:           KindNumberChange,
		SentAt:         now,
		ReceivedAt:     now,
	})
}

// MessageCursor addresses a position in the global message walk. The zero
// cursor starts from the beginning.
type MessageCursor struct {
	LastSentTS int64
	LastID     string
	PageSize   int
}

// MessagePage is one page of the ordered message walk. Done is set on the
// page after the last message.
type MessagePage struct {
	Messages []*Message
	Cursor   MessageCursor
	Done     bool
}

const defaultPageSize = 500

// PageMessages returns the next page of top-level messages (revisions
// excluded) ordered by (sent_ts, id). Paging is keyset-based so concurrent
// reads never skip rows.
func (s *Store) PageMessages(ctx context.Context, cursor MessageCursor) (*MessagePage, error) {
	pageSize := cursor.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE revision_of = '' AND (sent_ts > $1 OR (sent_ts = $1 AND id > $2))
		ORDER BY sent_ts, id
		LIMIT $3
	`, cursor.LastSentTS, cursor.LastID, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to page messages: %w", err)
	}
	defer rows.Close()

	page := &MessagePage{Cursor: cursor}
	page.Cursor.PageSize = pageSize
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if n := len(page.Messages); n > 0 {
		last := page.Messages[n-1]
		page.Cursor.LastSentTS = timeToTS(last.SentAt)
		page.Cursor.LastID = last.ID
	}
	page.Done = len(page.Messages) < pageSize
	return page, nil
}

// FinishPageMessages releases any per-walk resources. Keyset paging holds
// none, but callers are still required to pair every walk with a finish so
// the contract survives a move to snapshot-based paging.
func (s *Store) FinishPageMessages(cursor MessageCursor) {
}

// GetMessageRevisions returns the edit history of a message oldest-first.
func (s *Store) GetMessageRevisions(ctx context.Context, messageID string) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE revision_of = $1
		ORDER BY sent_ts, id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query revisions of %s: %w", messageID, err)
	}
	defer rows.Close()

	var revisions []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		revisions = append(revisions, msg)
	}
	return revisions, rows.Err()
}

// MigrateLegacyMessages normalizes rows written by older schema versions:
// blank kinds become standard, and messages that predate the received
// timestamp column inherit their sent timestamp. Runs as the export
// pre-pass so the walk never sees legacy shapes.
//
// This intentionally bypasses the write gate: it runs while the export
// holds the paused-writes lock.
func (s *Store) MigrateLegacyMessages(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `UPDATE message SET kind='standard' WHERE kind=''`); err != nil {
		return fmt.Errorf("failed to normalize blank message kinds: %w", err)
	}
	if _, err := s.db.Exec(ctx, `UPDATE message SET received_ts=sent_ts WHERE received_ts=0`); err != nil {
		return fmt.Errorf("failed to backfill received timestamps: %w", err)
	}
	return nil
}

// CountMessages returns the number of top-level messages. Used for
// progress reporting.
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM message WHERE revision_of=''`).Scan(&count)
	return count, err
}
