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
	"fmt"
	"time"

	"github.com/aurora-msg/aurora/pkg/convo"
	"github.com/aurora-msg/aurora/pkg/store"
)

// exportAll walks every entity category in the fixed stream order. The
// order is significant: recipients come before the chats that reference
// them, and chats before the messages that reference those.
func (s *Stream) exportAll(ctx context.Context) error {
	convos, err := s.st.GetAllConversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	// Legacy v1 groups are not representable in the backup format. Their
	// conversations and content are skipped and counted, never emitted.
	skipped := make(map[string]bool)
	for _, rec := range convos {
		if rec.Kind == convo.KindGroup && rec.GroupVersion == 1 {
			skipped[rec.LocalID] = true
		}
	}

	if err := s.exportAccount(ctx); err != nil {
		return err
	}
	for _, rec := range convos {
		if skipped[rec.LocalID] {
			s.count(func(st *Stats) { st.SkippedConversations++ })
			continue
		}
		if err := s.emitConversationRecipient(ctx, rec); err != nil {
			return err
		}
	}
	if err := s.emitSingletonRecipients(ctx); err != nil {
		return err
	}
	if err := s.exportDistributionLists(ctx); err != nil {
		return err
	}
	if err := s.exportCallLinks(ctx); err != nil {
		return err
	}
	if err := s.exportStickerPacks(ctx); err != nil {
		return err
	}
	for _, rec := range convos {
		if skipped[rec.LocalID] {
			continue
		}
		if err := s.emitChat(ctx, rec); err != nil {
			return err
		}
	}
	if err := s.exportAdHocCalls(ctx); err != nil {
		return err
	}
	if err := s.exportNotificationProfiles(ctx); err != nil {
		return err
	}
	if err := s.exportChatFolders(ctx); err != nil {
		return err
	}
	return s.exportMessages(ctx, skipped)
}

func (s *Stream) exportAccount(ctx context.Context) error {
	acct, err := s.st.GetAccountData(ctx)
	if err != nil {
		return fmt.Errorf("failed to load account data: %w", err)
	}
	return s.writeValue(ctx, &Frame{Account: &AccountFrame{
		ProfileKey:    acct.ProfileKey,
		Username:      acct.Username,
		GivenName:     acct.GivenName,
		FamilyName:    acct.FamilyName,
		AvatarURLPath: acct.AvatarURLPath,
		SubscriberID:  acct.SubscriberID,
		E164:          acct.AccountE164,
		ServiceID:     acct.AccountServiceID,
	}})
}

// emitConversationRecipient declares a recipient frame for a conversation,
// unless one of its aliases already got an id (eager declaration during the
// message walk, or a duplicate alias set).
func (s *Stream) emitConversationRecipient(ctx context.Context, rec *convo.Record) error {
	id, fresh := s.recips.assign(conversationAliases(rec)...)
	if !fresh {
		return nil
	}
	frame := &RecipientFrame{ID: id}
	if rec.Kind == convo.KindGroup {
		frame.Group = &GroupRecipient{GroupID: rec.GroupID, Name: rec.Name}
	} else {
		frame.Contact = &ContactRecipient{
			ServiceID:   string(rec.ServiceID()),
			RoutingID:   string(rec.RoutingID),
			E164:        string(rec.E164),
			Name:        rec.Name,
			ProfileName: rec.ProfileName,
		}
	}
	s.count(func(st *Stats) { st.Recipients++ })
	return s.writeValue(ctx, &Frame{Recipient: frame})
}

func (s *Stream) emitSingletonRecipients(ctx context.Context) error {
	if id, fresh := s.recips.assign(aliasSelf); fresh {
		s.count(func(st *Stats) { st.Recipients++ })
		if err := s.writeValue(ctx, &Frame{Recipient: &RecipientFrame{ID: id, Self: &SelfRecipient{}}}); err != nil {
			return err
		}
	}
	if id, fresh := s.recips.assign(aliasReleaseNotes); fresh {
		s.count(func(st *Stats) { st.Recipients++ })
		if err := s.writeValue(ctx, &Frame{Recipient: &RecipientFrame{ID: id, ReleaseNotes: &ReleaseNotesRecipient{}}}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) exportDistributionLists(ctx context.Context) error {
	lists, err := s.st.GetDistributionLists(ctx)
	if err != nil {
		return fmt.Errorf("failed to load distribution lists: %w", err)
	}
	for _, dl := range lists {
		id, fresh := s.recips.assign(aliasDistribution(dl.ID))
		if !fresh {
			continue
		}
		var members []uint64
		for _, member := range dl.MemberIDs {
			if mid, ok := s.memberRecipientID(member); ok {
				members = append(members, mid)
			} else {
				s.log.Warn().Str("distribution_id", dl.ID).Str("member", member).
					Msg("Dropping unknown member from distribution list")
			}
		}
		s.count(func(st *Stats) { st.DistributionLists++; st.Recipients++ })
		err := s.writeValue(ctx, &Frame{Recipient: &RecipientFrame{
			ID: id,
			DistributionList: &DistributionListRecipient{
				DistributionID: dl.ID,
				Name:           dl.Name,
				AllowReplies:   dl.AllowReplies,
				PrivacyMode:    dl.PrivacyMode,
				MemberIDs:      members,
			},
		}})
		if err != nil {
			return err
		}
	}
	return nil
}

// memberRecipientID resolves a stored member reference, which may be a
// conversation local id, a service id, or a phone number.
func (s *Stream) memberRecipientID(member string) (uint64, bool) {
	for _, alias := range []string{aliasLocalID(member), aliasServiceID(member), aliasE164(member)} {
		if id, ok := s.recips.lookup(alias); ok {
			return id, true
		}
	}
	return 0, false
}

func (s *Stream) exportCallLinks(ctx context.Context) error {
	links, err := s.st.GetCallLinks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load call links: %w", err)
	}
	for _, cl := range links {
		id, fresh := s.recips.assign(aliasCallLink(cl.RootKey))
		if !fresh {
			continue
		}
		var expMS int64
		if !cl.ExpirationAt.IsZero() {
			expMS = cl.ExpirationAt.UnixMilli()
		}
		s.count(func(st *Stats) { st.CallLinks++; st.Recipients++ })
		err := s.writeValue(ctx, &Frame{Recipient: &RecipientFrame{
			ID: id,
			CallLink: &CallLinkRecipient{
				RootKey:      cl.RootKey,
				AdminKey:     cl.AdminKey,
				Name:         cl.Name,
				Restrictions: cl.Restrictions,
				ExpirationMS: expMS,
			},
		}})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) exportStickerPacks(ctx context.Context) error {
	packs, err := s.st.GetStickerPacks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sticker packs: %w", err)
	}
	for _, sp := range packs {
		s.count(func(st *Stats) { st.StickerPacks++ })
		if err := s.writeValue(ctx, &Frame{StickerPack: &StickerPackFrame{ID: sp.ID, PackKey: sp.PackKey}}); err != nil {
			return err
		}
	}
	return nil
}

// emitChat declares the per-chat metadata frame and assigns the run-local
// chat id that message frames will reference.
func (s *Stream) emitChat(ctx context.Context, rec *convo.Record) error {
	recipID, fresh := s.recips.assign(conversationAliases(rec)...)
	if fresh {
		// The recipient frame pass already ran; a fresh assignment here
		// means the conversation appeared between passes, which cannot
		// happen while writes are paused.
		return fmt.Errorf("conversation %s has no declared recipient", rec.LocalID)
	}
	chatID := uint64(len(s.chatIDs) + 1)
	s.chatIDs[rec.LocalID] = chatID
	var muteMS int64
	if !rec.MutedUntil.IsZero() {
		muteMS = rec.MutedUntil.UnixMilli()
	}
	s.count(func(st *Stats) { st.Chats++ })
	return s.writeValue(ctx, &Frame{Chat: &ChatFrame{
		ID:           chatID,
		RecipientID:  recipID,
		Archived:     rec.Archived,
		Pinned:       rec.Pinned,
		MuteUntilMS:  muteMS,
		ExpireTimerS: int64(rec.ExpireTimer / time.Second),
	}})
}

func (s *Stream) exportAdHocCalls(ctx context.Context) error {
	calls, err := s.st.GetAdHocCalls(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ad hoc calls: %w", err)
	}
	for _, ac := range calls {
		recipID, ok := s.recips.lookup(aliasCallLink(ac.LinkRootKey))
		if !ok {
			// The call's link row is gone. Declare a bare link recipient so
			// the call still references a valid id.
			var err error
			recipID, err = s.emitBareCallLink(ctx, ac.LinkRootKey)
			if err != nil {
				return err
			}
		}
		s.count(func(st *Stats) { st.AdHocCalls++ })
		err := s.writeValue(ctx, &Frame{AdHocCall: &AdHocCallFrame{
			CallID:      ac.CallID,
			RecipientID: recipID,
			State:       ac.State,
			CallMS:      ac.CallAt.UnixMilli(),
		}})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) emitBareCallLink(ctx context.Context, rootKey string) (uint64, error) {
	id, _ := s.recips.assign(aliasCallLink(rootKey))
	s.count(func(st *Stats) { st.Recipients++ })
	err := s.writeValue(ctx, &Frame{Recipient: &RecipientFrame{
		ID:       id,
		CallLink: &CallLinkRecipient{RootKey: rootKey},
	}})
	return id, err
}

func (s *Stream) exportNotificationProfiles(ctx context.Context) error {
	profiles, err := s.st.GetNotificationProfiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load notification profiles: %w", err)
	}
	for _, np := range profiles {
		var allowed []uint64
		for _, member := range np.AllowedMemberIDs {
			if mid, ok := s.memberRecipientID(member); ok {
				allowed = append(allowed, mid)
			}
		}
		var createdMS int64
		if !np.CreatedAt.IsZero() {
			createdMS = np.CreatedAt.UnixMilli()
		}
		s.count(func(st *Stats) { st.NotificationProfiles++ })
		err := s.writeValue(ctx, &Frame{NotificationProfile: &NotificationProfileFrame{
			ID:               np.ID,
			Name:             np.Name,
			Emoji:            np.Emoji,
			Color:            np.Color,
			CreatedMS:        createdMS,
			AllowAllCalls:    np.AllowAllCalls,
			AllowAllMentions: np.AllowAllMentions,
			AllowedMemberIDs: allowed,
			ScheduleEnabled:  np.ScheduleEnabled,
			ScheduleStart:    np.ScheduleStart,
			ScheduleEnd:      np.ScheduleEnd,
		}})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) exportChatFolders(ctx context.Context) error {
	folders, err := s.st.GetChatFolders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load chat folders: %w", err)
	}
	resolveChats := func(ids []string) []uint64 {
		var out []uint64
		for _, localID := range ids {
			if chatID, ok := s.chatIDs[localID]; ok {
				out = append(out, chatID)
			}
		}
		return out
	}
	for _, cf := range folders {
		s.count(func(st *Stats) { st.ChatFolders++ })
		err := s.writeValue(ctx, &Frame{ChatFolder: &ChatFolderFrame{
			ID:             cf.ID,
			Name:           cf.Name,
			Position:       cf.Position,
			ShowOnlyUnread: cf.ShowOnlyUnread,
			ShowMuted:      cf.ShowMuted,
			FolderType:     cf.FolderType,
			IncludedIDs:    resolveChats(cf.IncludedIDs),
			ExcludedIDs:    resolveChats(cf.ExcludedIDs),
		}})
		if err != nil {
			return err
		}
	}
	return nil
}

// exportMessages is the final, paged walk over all top-level messages.
func (s *Stream) exportMessages(ctx context.Context, skippedConvos map[string]bool) error {
	cursor := store.MessageCursor{PageSize: s.opts.PageSize}
	defer func() { s.st.FinishPageMessages(cursor) }()
	for {
		page, err := s.st.PageMessages(ctx, cursor)
		if err != nil {
			return fmt.Errorf("failed to page messages: %w", err)
		}
		cursor = page.Cursor
		for _, msg := range page.Messages {
			if err := s.exportMessage(ctx, msg, skippedConvos); err != nil {
				return err
			}
		}
		if page.Done {
			return nil
		}
	}
}

func (s *Stream) exportMessage(ctx context.Context, msg *store.Message, skippedConvos map[string]bool) error {
	drop := func() {
		s.count(func(st *Stats) { st.SkippedMessages++ })
	}
	chatID, ok := s.chatIDs[msg.ConversationID]
	if !ok || skippedConvos[msg.ConversationID] {
		// Message of a legacy group or of a conversation that no longer
		// exists.
		drop()
		return nil
	}
	if msg.Kind.IsTransient() {
		drop()
		return nil
	}
	if !msg.Kind.IsContent() && !msg.Kind.IsUpdate() {
		// Unrecognized kinds fail the run: silently dropping an unknown
		// structural update would produce a backup that lies by omission.
		return fmt.Errorf("message %s has unrecognized kind %q", msg.ID, msg.Kind)
	}
	if msg.Kind.IsContent() && msg.ExpireTimer > 0 && msg.ExpireTimer < s.opts.MinExpireTimer {
		drop()
		return nil
	}

	authorID, err := s.authorRecipientID(ctx, msg)
	if err != nil {
		return err
	}
	item := s.buildChatItem(msg, chatID, authorID)

	revisions, err := s.st.GetMessageRevisions(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to load revisions of %s: %w", msg.ID, err)
	}
	for _, rev := range revisions {
		item.Revisions = append(item.Revisions, s.buildChatItem(rev, chatID, authorID))
	}

	s.count(func(st *Stats) { st.Messages++ })
	return s.writeValue(ctx, &Frame{ChatItem: item})
}

func (s *Stream) buildChatItem(msg *store.Message, chatID, authorID uint64) *ChatItemFrame {
	item := &ChatItemFrame{
		ChatID:         chatID,
		AuthorID:       authorID,
		DateSentMS:     msg.SentAt.UnixMilli(),
		DateReceivedMS: msg.ReceivedAt.UnixMilli(),
		ExpireTimerS:   int64(msg.ExpireTimer / time.Second),
	}
	if msg.Kind.IsUpdate() {
		item.Update = &ChatUpdate{Kind: string(msg.Kind), Detail: msg.Detail}
		return item
	}
	std := &StandardMessage{Text: msg.Body}
	for _, att := range msg.Attachments {
		std.Attachments = append(std.Attachments, &AttachmentPointer{
			ID:          att.ID,
			ContentType: att.ContentType,
			Size:        att.Size,
			FileName:    att.FileName,
		})
		s.jobs = append(s.jobs, &store.AttachmentBackupJob{
			AttachmentID: att.ID,
			MessageID:    msg.ID,
			Path:         att.Path,
			ContentType:  att.ContentType,
			Size:         att.Size,
		})
	}
	item.Standard = std
	return item
}

// authorRecipientID resolves a message author to a recipient id. Messages
// without an author are the local user's own. An author never seen as a
// conversation is declared eagerly as its own recipient frame before the
// chat item that references it.
func (s *Stream) authorRecipientID(ctx context.Context, msg *store.Message) (uint64, error) {
	if msg.AuthorID == "" && msg.AuthorE164 == "" {
		id, _ := s.recips.lookup(aliasSelf)
		return id, nil
	}
	aliases := []string{aliasServiceID(string(msg.AuthorID)), aliasE164(string(msg.AuthorE164))}
	for _, alias := range aliases {
		if id, ok := s.recips.lookup(alias); ok {
			return id, nil
		}
	}
	id, _ := s.recips.assign(aliases...)
	s.count(func(st *Stats) { st.Recipients++ })
	err := s.writeValue(ctx, &Frame{Recipient: &RecipientFrame{
		ID: id,
		Contact: &ContactRecipient{
			ServiceID: string(msg.AuthorID),
			E164:      string(msg.AuthorE164),
		},
	}})
	return id, err
}

func (s *Stream) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}
