package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aurora-msg/aurora/pkg/convo"
	"github.com/aurora-msg/aurora/pkg/ident"
)

const conversationColumns = `local_id, kind, primary_identity, routing_id, e164, group_id, group_version,
	name, profile_name, message_count, activity_ts, pinned, archived, muted_until_ts,
	storage_id, expire_timer_s, created_ts`

// GetAllConversations loads every persisted conversation in creation order.
func (s *Store) GetAllConversations(ctx context.Context) ([]*convo.Record, error) {
	rows, err := s.db.Query(ctx, `SELECT `+conversationColumns+` FROM conversation ORDER BY created_ts, local_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var records []*convo.Record
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*convo.Record, error) {
	var rec convo.Record
	var primary, routing, e164 string
	var activityTS, mutedTS, createdTS int64
	var expireS int64
	err := row.Scan(
		&rec.LocalID, &rec.Kind, &primary, &routing, &e164, &rec.GroupID, &rec.GroupVersion,
		&rec.Name, &rec.ProfileName, &rec.MessageCount, &activityTS, &rec.Pinned, &rec.Archived, &mutedTS,
		&rec.StorageID, &expireS, &createdTS,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	rec.PrimaryIdentity = ident.ServiceID(primary)
	rec.RoutingID = ident.RoutingID(routing)
	rec.E164 = ident.E164(e164)
	rec.ActivityAt = tsToTime(activityTS)
	rec.MutedUntil = tsToTime(mutedTS)
	rec.CreatedAt = tsToTime(createdTS)
	rec.ExpireTimer = time.Duration(expireS) * time.Second
	return &rec, nil
}

// SaveConversation inserts a new conversation row.
func (s *Store) SaveConversation(ctx context.Context, rec *convo.Record) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	createdTS := timeToTS(rec.CreatedAt)
	if createdTS == 0 {
		createdTS = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (local_id) DO UPDATE SET
			primary_identity=excluded.primary_identity,
			routing_id=excluded.routing_id,
			e164=excluded.e164,
			group_id=excluded.group_id,
			group_version=excluded.group_version,
			name=excluded.name,
			profile_name=excluded.profile_name,
			message_count=excluded.message_count,
			activity_ts=excluded.activity_ts,
			pinned=excluded.pinned,
			archived=excluded.archived,
			muted_until_ts=excluded.muted_until_ts,
			storage_id=excluded.storage_id,
			expire_timer_s=excluded.expire_timer_s
	`, rec.LocalID, rec.Kind, string(rec.PrimaryIdentity), string(rec.RoutingID), string(rec.E164),
		rec.GroupID, rec.GroupVersion, rec.Name, rec.ProfileName, rec.MessageCount,
		timeToTS(rec.ActivityAt), rec.Pinned, rec.Archived, timeToTS(rec.MutedUntil),
		rec.StorageID, int64(rec.ExpireTimer/time.Second), createdTS)
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", rec.LocalID, err)
	}
	return nil
}

// UpdateConversation rewrites an existing conversation row.
func (s *Store) UpdateConversation(ctx context.Context, rec *convo.Record) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		UPDATE conversation SET
			kind=$2, primary_identity=$3, routing_id=$4, e164=$5, group_id=$6, group_version=$7,
			name=$8, profile_name=$9, message_count=$10, activity_ts=$11, pinned=$12,
			archived=$13, muted_until_ts=$14, storage_id=$15, expire_timer_s=$16
		WHERE local_id=$1
	`, rec.LocalID, rec.Kind, string(rec.PrimaryIdentity), string(rec.RoutingID), string(rec.E164),
		rec.GroupID, rec.GroupVersion, rec.Name, rec.ProfileName, rec.MessageCount,
		timeToTS(rec.ActivityAt), rec.Pinned, rec.Archived, timeToTS(rec.MutedUntil),
		rec.StorageID, int64(rec.ExpireTimer/time.Second))
	if err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", rec.LocalID, err)
	}
	return nil
}

// RemoveConversation deletes a conversation row and its group memberships.
// Messages are not touched here: the caller must have re-attributed them
// first (MigrateConversationMessages).
func (s *Store) RemoveConversation(ctx context.Context, localID string) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM conversation WHERE local_id=$1`, localID); err != nil {
		return fmt.Errorf("failed to remove conversation %s: %w", localID, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM group_membership WHERE member_conversation_id=$1`, localID); err != nil {
		return fmt.Errorf("failed to remove group memberships of %s: %w", localID, err)
	}
	return nil
}

// MigrateConversationMessages re-attributes all messages and group
// memberships from one conversation to another.
func (s *Store) MigrateConversationMessages(ctx context.Context, fromID, toID string) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	res, err := s.db.Exec(ctx, `UPDATE message SET conversation_id=$2 WHERE conversation_id=$1`, fromID, toID)
	if err != nil {
		return fmt.Errorf("failed to migrate messages %s -> %s: %w", fromID, toID, err)
	}
	moved, _ := res.RowsAffected()
	// Membership rows that would collide with an existing membership of the
	// target are dropped rather than duplicated.
	if _, err := s.db.Exec(ctx, `
		UPDATE OR IGNORE group_membership SET member_conversation_id=$2 WHERE member_conversation_id=$1
	`, fromID, toID); err != nil {
		return fmt.Errorf("failed to migrate group memberships %s -> %s: %w", fromID, toID, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM group_membership WHERE member_conversation_id=$1`, fromID); err != nil {
		return fmt.Errorf("failed to clean leftover memberships of %s: %w", fromID, err)
	}
	s.log.Info().Str("from", fromID).Str("to", toID).Int64("messages", moved).Msg("Re-attributed messages")
	return nil
}

// AddStorageSyncPendingDelete schedules removal of a storage-service sync
// record. Idempotent: re-scheduling the same id is a no-op.
func (s *Store) AddStorageSyncPendingDelete(ctx context.Context, storageID string) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO storage_sync_pending_delete (storage_id, created_ts) VALUES ($1, $2)
		ON CONFLICT (storage_id) DO NOTHING
	`, storageID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to schedule storage sync delete: %w", err)
	}
	return nil
}

// RemoveSessionsByConversation drops all cryptographic sessions keyed to a
// conversation's local id.
func (s *Store) RemoveSessionsByConversation(ctx context.Context, localID string) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `DELETE FROM session WHERE conversation_id=$1`, localID)
	if err != nil {
		return fmt.Errorf("failed to remove sessions of %s: %w", localID, err)
	}
	return nil
}

// RemoveIdentityKey drops the stored identity key material for an
// identifier that is no longer valid.
func (s *Store) RemoveIdentityKey(ctx context.Context, serviceID ident.ServiceID) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `DELETE FROM identity_key WHERE service_id=$1`, string(serviceID))
	if err != nil {
		return fmt.Errorf("failed to remove identity key: %w", err)
	}
	return nil
}

func timeToTS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func tsToTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts)
}
