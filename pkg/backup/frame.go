// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package backup implements the export stream: a pull-based, backpressure
// aware serializer that walks the conversation and message stores and emits
// a point-in-time snapshot as a sequence of self-describing frames.
package backup

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// BackupType selects the output encoding and the post-run behavior.
type BackupType string

const (
	// BackupTypeRemote produces length-delimited binary frames and swaps
	// the attachment upload job queue when the run finishes.
	BackupTypeRemote BackupType = "remote"
	// BackupTypeLocalEncrypted produces length-delimited binary frames for
	// a local encrypted archive; no attachment jobs are queued.
	BackupTypeLocalEncrypted BackupType = "local-encrypted"
	// BackupTypePlaintext produces one JSON object per line for human
	// inspection, validated line-by-line against the frame schema.
	BackupTypePlaintext BackupType = "plaintext-export"
	// BackupTypeIntegrationTest is plaintext output without validation.
	BackupTypeIntegrationTest BackupType = "integration-test"
)

func (t BackupType) binary() bool {
	return t == BackupTypeRemote || t == BackupTypeLocalEncrypted
}

// BackupInfo is the stream header: always the first frame.
type BackupInfo struct {
	Version            int    `json:"version"`
	BackupTimeMS       int64  `json:"backupTimeMs"`
	MediaRootBackupKey string `json:"mediaRootBackupKey,omitempty"`
}

// backupVersion is bumped when the frame format changes incompatibly.
const backupVersion = 1

// Frame is one self-contained unit of the backup stream, carrying exactly
// one of the payload fields.
type Frame struct {
	Account             *AccountFrame             `json:"account,omitempty"`
	Recipient           *RecipientFrame           `json:"recipient,omitempty"`
	Chat                *ChatFrame                `json:"chat,omitempty"`
	ChatItem            *ChatItemFrame            `json:"chatItem,omitempty"`
	StickerPack         *StickerPackFrame         `json:"stickerPack,omitempty"`
	NotificationProfile *NotificationProfileFrame `json:"notificationProfile,omitempty"`
	ChatFolder          *ChatFolderFrame          `json:"chatFolder,omitempty"`
	AdHocCall           *AdHocCallFrame           `json:"adHocCall,omitempty"`
}

// AccountFrame carries the local account snapshot.
type AccountFrame struct {
	ProfileKey    string `json:"profileKey,omitempty"`
	Username      string `json:"username,omitempty"`
	GivenName     string `json:"givenName,omitempty"`
	FamilyName    string `json:"familyName,omitempty"`
	AvatarURLPath string `json:"avatarUrlPath,omitempty"`
	SubscriberID  string `json:"subscriberId,omitempty"`
	E164          string `json:"e164,omitempty"`
	ServiceID     string `json:"serviceId,omitempty"`
}

// RecipientFrame declares a recipient id for later frames to reference.
// Exactly one of the payload fields is set.
type RecipientFrame struct {
	ID uint64 `json:"id"`

	Contact          *ContactRecipient          `json:"contact,omitempty"`
	Group            *GroupRecipient            `json:"group,omitempty"`
	Self             *SelfRecipient             `json:"self,omitempty"`
	ReleaseNotes     *ReleaseNotesRecipient     `json:"releaseNotes,omitempty"`
	DistributionList *DistributionListRecipient `json:"distributionList,omitempty"`
	CallLink         *CallLinkRecipient         `json:"callLink,omitempty"`
}

type ContactRecipient struct {
	ServiceID   string `json:"serviceId,omitempty"`
	RoutingID   string `json:"routingId,omitempty"`
	E164        string `json:"e164,omitempty"`
	Name        string `json:"name,omitempty"`
	ProfileName string `json:"profileName,omitempty"`
}

type GroupRecipient struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name,omitempty"`
}

type SelfRecipient struct{}

type ReleaseNotesRecipient struct{}

type DistributionListRecipient struct {
	DistributionID string   `json:"distributionId"`
	Name           string   `json:"name"`
	AllowReplies   bool     `json:"allowReplies"`
	PrivacyMode    string   `json:"privacyMode"`
	MemberIDs      []uint64 `json:"memberIds,omitempty"`
}

type CallLinkRecipient struct {
	RootKey      string `json:"rootKey"`
	AdminKey     string `json:"adminKey,omitempty"`
	Name         string `json:"name,omitempty"`
	Restrictions string `json:"restrictions,omitempty"`
	ExpirationMS int64  `json:"expirationMs,omitempty"`
}

// ChatFrame is per-chat metadata, referencing an already-declared
// recipient.
type ChatFrame struct {
	ID           uint64 `json:"id"`
	RecipientID  uint64 `json:"recipientId"`
	Archived     bool   `json:"archived,omitempty"`
	Pinned       bool   `json:"pinned,omitempty"`
	MuteUntilMS  int64  `json:"muteUntilMs,omitempty"`
	ExpireTimerS int64  `json:"expireTimerS,omitempty"`
}

// ChatItemFrame is one message, either plain content or a structural
// update. Revisions carry the edit history oldest-first; each revision has
// its own send/receive details but shares the parent's chat and author.
type ChatItemFrame struct {
	ChatID         uint64 `json:"chatId"`
	AuthorID       uint64 `json:"authorId"`
	DateSentMS     int64  `json:"dateSentMs"`
	DateReceivedMS int64  `json:"dateReceivedMs,omitempty"`
	ExpireTimerS   int64  `json:"expireTimerS,omitempty"`

	Standard *StandardMessage `json:"standard,omitempty"`
	Update   *ChatUpdate      `json:"update,omitempty"`

	Revisions []*ChatItemFrame `json:"revisions,omitempty"`
}

type StandardMessage struct {
	Text        string               `json:"text,omitempty"`
	Attachments []*AttachmentPointer `json:"attachments,omitempty"`
}

type AttachmentPointer struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	FileName    string `json:"fileName,omitempty"`
}

// ChatUpdate is a "non-bubble" structural update. Kind names one of the
// recognized update kinds; Detail carries the kind-specific payload.
type ChatUpdate struct {
	Kind   string         `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
}

type StickerPackFrame struct {
	ID      string `json:"id"`
	PackKey string `json:"packKey"`
}

type NotificationProfileFrame struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Emoji            string   `json:"emoji,omitempty"`
	Color            int64    `json:"color,omitempty"`
	CreatedMS        int64    `json:"createdMs,omitempty"`
	AllowAllCalls    bool     `json:"allowAllCalls"`
	AllowAllMentions bool     `json:"allowAllMentions"`
	AllowedMemberIDs []uint64 `json:"allowedMemberIds,omitempty"`
	ScheduleEnabled  bool     `json:"scheduleEnabled"`
	ScheduleStart    int      `json:"scheduleStart,omitempty"`
	ScheduleEnd      int      `json:"scheduleEnd,omitempty"`
}

type ChatFolderFrame struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Position       int      `json:"position"`
	ShowOnlyUnread bool     `json:"showOnlyUnread"`
	ShowMuted      bool     `json:"showMuted"`
	FolderType     string   `json:"folderType"`
	IncludedIDs    []uint64 `json:"includedIds,omitempty"`
	ExcludedIDs    []uint64 `json:"excludedIds,omitempty"`
}

type AdHocCallFrame struct {
	CallID      string `json:"callId"`
	RecipientID uint64 `json:"recipientId"`
	State       string `json:"state"`
	CallMS      int64  `json:"callMs"`
}

// encodeFrame renders a frame (or the BackupInfo header) for the selected
// backup type: a uvarint length prefix followed by the JSON body for binary
// types, or the JSON body and a trailing newline for plaintext types. Both
// encodings share the same frame construction; only this final step
// differs.
func encodeFrame(t BackupType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if t.binary() {
		prefix := make([]byte, binary.MaxVarintLen64)
		n := binary.PutUvarint(prefix, uint64(len(body)))
		return append(prefix[:n], body...), nil
	}
	return append(body, '\n'), nil
}
