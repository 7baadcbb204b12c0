package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AccountData is the exported snapshot of the local account: profile
// fields plus account-level settings, stored as a key-value table.
type AccountData struct {
	ProfileKey      string
	Username        string
	GivenName       string
	FamilyName      string
	AvatarURLPath   string
	SubscriberID    string
	AccountE164     string
	AccountServiceID string
}

// GetAccountData assembles account data from the key-value table. Missing
// keys yield zero values; a completely empty table is valid (fresh
// install).
func (s *Store) GetAccountData(ctx context.Context) (*AccountData, error) {
	rows, err := s.db.Query(ctx, `SELECT key, value FROM account_data`)
	if err != nil {
		return nil, fmt.Errorf("failed to query account data: %w", err)
	}
	defer rows.Close()

	acct := &AccountData{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		switch key {
		case "profile_key":
			acct.ProfileKey = value
		case "username":
			acct.Username = value
		case "given_name":
			acct.GivenName = value
		case "family_name":
			acct.FamilyName = value
		case "avatar_url_path":
			acct.AvatarURLPath = value
		case "subscriber_id":
			acct.SubscriberID = value
		case "account_e164":
			acct.AccountE164 = value
		case "account_service_id":
			acct.AccountServiceID = value
		}
	}
	return acct, rows.Err()
}

// SetAccountData writes one account key-value pair.
func (s *Store) SetAccountData(ctx context.Context, key, value string) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO account_data (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value
	`, key, value)
	return err
}

// DistributionList is a story distribution list.
type DistributionList struct {
	ID           string
	Name         string
	AllowReplies bool
	PrivacyMode  string
	MemberIDs    []string
}

func (s *Store) GetDistributionLists(ctx context.Context) ([]*DistributionList, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, allow_replies, privacy_mode, member_ids_json FROM distribution_list ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query distribution lists: %w", err)
	}
	defer rows.Close()

	var lists []*DistributionList
	for rows.Next() {
		dl := &DistributionList{}
		var membersJSON string
		if err := rows.Scan(&dl.ID, &dl.Name, &dl.AllowReplies, &dl.PrivacyMode, &membersJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(membersJSON), &dl.MemberIDs); err != nil {
			return nil, fmt.Errorf("bad member list on distribution list %s: %w", dl.ID, err)
		}
		lists = append(lists, dl)
	}
	return lists, rows.Err()
}

// CallLink is a shareable group-call link.
type CallLink struct {
	RootKey      string
	AdminKey     string
	Name         string
	Restrictions string
	ExpirationAt time.Time
}

func (s *Store) GetCallLinks(ctx context.Context) ([]*CallLink, error) {
	rows, err := s.db.Query(ctx, `SELECT root_key, admin_key, name, restrictions, expiration_ts FROM call_link ORDER BY root_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query call links: %w", err)
	}
	defer rows.Close()

	var links []*CallLink
	for rows.Next() {
		cl := &CallLink{}
		var expTS int64
		if err := rows.Scan(&cl.RootKey, &cl.AdminKey, &cl.Name, &cl.Restrictions, &expTS); err != nil {
			return nil, err
		}
		cl.ExpirationAt = tsToTime(expTS)
		links = append(links, cl)
	}
	return links, rows.Err()
}

// StickerPack is an installed sticker pack reference.
type StickerPack struct {
	ID      string
	PackKey string
}

func (s *Store) GetStickerPacks(ctx context.Context) ([]*StickerPack, error) {
	rows, err := s.db.Query(ctx, `SELECT id, pack_key FROM sticker_pack ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sticker packs: %w", err)
	}
	defer rows.Close()

	var packs []*StickerPack
	for rows.Next() {
		sp := &StickerPack{}
		if err := rows.Scan(&sp.ID, &sp.PackKey); err != nil {
			return nil, err
		}
		packs = append(packs, sp)
	}
	return packs, rows.Err()
}

// NotificationProfile silences notifications outside an allow-list, on a
// schedule.
type NotificationProfile struct {
	ID               string
	Name             string
	Emoji            string
	Color            int64
	CreatedAt        time.Time
	AllowAllCalls    bool
	AllowAllMentions bool
	AllowedMemberIDs []string
	ScheduleEnabled  bool
	ScheduleStart    int
	ScheduleEnd      int
}

func (s *Store) GetNotificationProfiles(ctx context.Context) ([]*NotificationProfile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, emoji, color, created_ts, allow_all_calls, allow_all_mentions,
			allowed_member_ids_json, schedule_enabled, schedule_start, schedule_end
		FROM notification_profile ORDER BY created_ts, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*NotificationProfile
	for rows.Next() {
		np := &NotificationProfile{}
		var createdTS int64
		var allowedJSON string
		if err := rows.Scan(&np.ID, &np.Name, &np.Emoji, &np.Color, &createdTS, &np.AllowAllCalls,
			&np.AllowAllMentions, &allowedJSON, &np.ScheduleEnabled, &np.ScheduleStart, &np.ScheduleEnd); err != nil {
			return nil, err
		}
		np.CreatedAt = tsToTime(createdTS)
		if err := json.Unmarshal([]byte(allowedJSON), &np.AllowedMemberIDs); err != nil {
			return nil, fmt.Errorf("bad allow list on notification profile %s: %w", np.ID, err)
		}
		profiles = append(profiles, np)
	}
	return profiles, rows.Err()
}

// ChatFolder groups chats in the chat list.
type ChatFolder struct {
	ID             string
	Name           string
	Position       int
	ShowOnlyUnread bool
	ShowMuted      bool
	FolderType     string
	IncludedIDs    []string
	ExcludedIDs    []string
}

func (s *Store) GetChatFolders(ctx context.Context) ([]*ChatFolder, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, position, show_only_unread, show_muted, folder_type,
			included_ids_json, excluded_ids_json
		FROM chat_folder ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat folders: %w", err)
	}
	defer rows.Close()

	var folders []*ChatFolder
	for rows.Next() {
		cf := &ChatFolder{}
		var includedJSON, excludedJSON string
		if err := rows.Scan(&cf.ID, &cf.Name, &cf.Position, &cf.ShowOnlyUnread, &cf.ShowMuted,
			&cf.FolderType, &includedJSON, &excludedJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(includedJSON), &cf.IncludedIDs); err != nil {
			return nil, fmt.Errorf("bad include list on chat folder %s: %w", cf.ID, err)
		}
		if err := json.Unmarshal([]byte(excludedJSON), &cf.ExcludedIDs); err != nil {
			return nil, fmt.Errorf("bad exclude list on chat folder %s: %w", cf.ID, err)
		}
		folders = append(folders, cf)
	}
	return folders, rows.Err()
}

// AdHocCall is a call that happened on a call link rather than in a
// conversation.
type AdHocCall struct {
	CallID      string
	LinkRootKey string
	State       string
	CallAt      time.Time
}

func (s *Store) GetAdHocCalls(ctx context.Context) ([]*AdHocCall, error) {
	rows, err := s.db.Query(ctx, `SELECT call_id, link_root_key, state, call_ts FROM ad_hoc_call ORDER BY call_ts, call_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ad hoc calls: %w", err)
	}
	defer rows.Close()

	var calls []*AdHocCall
	for rows.Next() {
		ac := &AdHocCall{}
		var callTS int64
		if err := rows.Scan(&ac.CallID, &ac.LinkRootKey, &ac.State, &callTS); err != nil {
			return nil, err
		}
		ac.CallAt = tsToTime(callTS)
		calls = append(calls, ac)
	}
	return calls, rows.Err()
}
