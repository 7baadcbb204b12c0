// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package backup

import (
	"github.com/aurora-msg/aurora/pkg/convo"
)

// recipientTable assigns run-local small-integer recipient ids. An id is
// assigned the first time a distinct identity-key combination is observed
// and is stable for the duration of one export run; ids are never persisted
// across runs.
//
// Every alias of an entity (service id, phone number, local record id)
// resolves to the same id within a run, which is what keeps authorId and
// chatId references in later frames consistent with the recipient frame
// that declared them.
type recipientTable struct {
	next  uint64
	byKey map[string]uint64
}

func newRecipientTable() *recipientTable {
	return &recipientTable{byKey: make(map[string]uint64)}
}

// assign returns the id for the given alias keys, allocating a fresh id
// when none of the aliases has been seen. All aliases are registered either
// way, so future lookups through any of them agree.
func (t *recipientTable) assign(aliases ...string) (id uint64, fresh bool) {
	for _, alias := range aliases {
		if alias == "" {
			continue
		}
		if existing, ok := t.byKey[alias]; ok {
			id = existing
			goto register
		}
	}
	t.next++
	id = t.next
	fresh = true
register:
	for _, alias := range aliases {
		if alias != "" {
			t.byKey[alias] = id
		}
	}
	return id, fresh
}

// lookup returns the id previously assigned through any alias.
func (t *recipientTable) lookup(alias string) (uint64, bool) {
	id, ok := t.byKey[alias]
	return id, ok
}

// Alias key builders. Prefixes keep the key kinds from colliding in the
// shared map.

func aliasServiceID(v string) string {
	if v == "" {
		return ""
	}
	return "svc:" + v
}

func aliasE164(v string) string {
	if v == "" {
		return ""
	}
	return "tel:" + v
}

func aliasLocalID(v string) string {
	if v == "" {
		return ""
	}
	return "rec:" + v
}

func aliasGroupID(v string) string {
	if v == "" {
		return ""
	}
	return "grp:" + v
}

func aliasDistribution(v string) string {
	return "dst:" + v
}

func aliasCallLink(v string) string {
	return "cal:" + v
}

const (
	aliasSelf         = "self"
	aliasReleaseNotes = "release-notes"
)

// conversationAliases returns the alias keys under which a conversation's
// recipient id is registered.
func conversationAliases(rec *convo.Record) []string {
	if rec.Kind == convo.KindGroup {
		return []string{aliasGroupID(rec.GroupID), aliasLocalID(rec.LocalID)}
	}
	return []string{
		aliasServiceID(string(rec.ServiceID())),
		aliasE164(string(rec.E164)),
		aliasLocalID(rec.LocalID),
	}
}
