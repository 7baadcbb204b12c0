// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package convo implements conversation identity resolution: the registry of
// conversation records indexed by identity key, the merge engine that
// reconciles identity keys observed together, and the conflict scanner that
// cleans up duplicate claims left over from prior states.
package convo

import (
	"time"

	"github.com/aurora-msg/aurora/pkg/ident"
)

// Kind distinguishes direct-message conversations from groups.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Record is one conversation: the unit of identity resolution.
//
// PrimaryIdentity normally holds the ServiceID. When no ServiceID is known
// yet, it holds the RoutingID instead (the "tricky slot"): lookups by
// primary identity then find the record through its routing id. All identity
// field mutation must go through apply so the tricky-slot coupling between
// PrimaryIdentity and RoutingID is repaired in the same update.
type Record struct {
	// LocalID is the opaque process-local id, generated once and stable for
	// the record's lifetime.
	LocalID string
	Kind    Kind

	PrimaryIdentity ident.ServiceID
	RoutingID       ident.RoutingID
	E164            ident.E164
	GroupID         string

	// GroupVersion is 1 for legacy groups and 2 for current groups. Legacy
	// groups are excluded from backup export.
	GroupVersion int

	Name        string
	ProfileName string

	MessageCount int
	ActivityAt   time.Time

	Pinned     bool
	Archived   bool
	MutedUntil time.Time

	// StorageID links this record to its storage-service sync record.
	StorageID string

	// ExpireTimer is the disappearing-message timer for this conversation.
	ExpireTimer time.Duration

	CreatedAt time.Time
}

// Change is a partial update to a Record. Nil fields are left untouched; a
// pointer to the zero value clears the field.
type Change struct {
	PrimaryIdentity *ident.ServiceID
	RoutingID       *ident.RoutingID
	E164            *ident.E164
	GroupID         *string

	Name        *string
	ProfileName *string

	MessageCount *int
	ActivityAt   *time.Time

	Pinned     *bool
	Archived   *bool
	MutedUntil *time.Time

	StorageID   *string
	ExpireTimer *time.Duration
}

// InTrickySlot reports whether the record's primary identity is standing in
// for an unknown ServiceID, i.e. it holds the routing id.
func (r *Record) InTrickySlot() bool {
	return r.RoutingID != "" && string(r.PrimaryIdentity) == string(r.RoutingID)
}

// ServiceID returns the genuine account identifier, or "" if the primary
// slot only holds a routing id.
func (r *Record) ServiceID() ident.ServiceID {
	if r.PrimaryIdentity == "" || r.InTrickySlot() {
		return ""
	}
	return r.PrimaryIdentity
}

// KeyValue returns the record's value for the given identity key kind, as
// the raw string form used by the registry indices.
func (r *Record) KeyValue(kind ident.KeyKind) string {
	switch kind {
	case ident.KindServiceID:
		return string(r.ServiceID())
	case ident.KindE164:
		return string(r.E164)
	case ident.KindRoutingID:
		return string(r.RoutingID)
	default:
		return ""
	}
}

// IdentityWeight counts the identity keys the record carries. The registry's
// soft-overwrite policy and the conflict scanner's keep rule both prefer the
// record with the higher weight.
func (r *Record) IdentityWeight() int {
	w := 0
	if r.ServiceID() != "" {
		w++
	}
	if r.RoutingID != "" {
		w++
	}
	if r.E164 != "" {
		w++
	}
	if r.GroupID != "" {
		w++
	}
	return w
}

// HasAnyIdentity reports whether the record still holds at least one
// identity key. A record stripped of all keys during a merge is scheduled
// for consolidation into the merge target.
func (r *Record) HasAnyIdentity() bool {
	return r.PrimaryIdentity != "" || r.RoutingID != "" || r.E164 != "" || r.GroupID != ""
}

// apply writes a Change onto the record and repairs the tricky-slot
// coupling:
//
//   - clearing RoutingID clears PrimaryIdentity if it held that routing id
//   - changing RoutingID follows it into PrimaryIdentity while no genuine
//     ServiceID is known
//   - setting a RoutingID on a record with no primary identity fills the
//     primary slot with it
//
// apply is the only mutation entry point for identity fields; ad hoc field
// writes elsewhere would bypass the invariant repair.
func (r *Record) apply(ch Change) {
	wasTricky := r.InTrickySlot()

	if ch.RoutingID != nil {
		r.RoutingID = *ch.RoutingID
		if wasTricky || r.PrimaryIdentity == "" {
			// Primary slot tracked the old routing id; follow the change.
			r.PrimaryIdentity = ident.ServiceID(*ch.RoutingID)
		}
	}
	if ch.PrimaryIdentity != nil {
		r.PrimaryIdentity = *ch.PrimaryIdentity
		if *ch.PrimaryIdentity == "" && r.RoutingID != "" {
			// No genuine ServiceID left; fall back to the tricky slot.
			r.PrimaryIdentity = ident.ServiceID(r.RoutingID)
		}
	}
	if ch.E164 != nil {
		r.E164 = *ch.E164
	}
	if ch.GroupID != nil {
		r.GroupID = *ch.GroupID
	}
	if ch.Name != nil {
		r.Name = *ch.Name
	}
	if ch.ProfileName != nil {
		r.ProfileName = *ch.ProfileName
	}
	if ch.MessageCount != nil {
		r.MessageCount = *ch.MessageCount
	}
	if ch.ActivityAt != nil {
		r.ActivityAt = *ch.ActivityAt
	}
	if ch.Pinned != nil {
		r.Pinned = *ch.Pinned
	}
	if ch.Archived != nil {
		r.Archived = *ch.Archived
	}
	if ch.MutedUntil != nil {
		r.MutedUntil = *ch.MutedUntil
	}
	if ch.StorageID != nil {
		r.StorageID = *ch.StorageID
	}
	if ch.ExpireTimer != nil {
		r.ExpireTimer = *ch.ExpireTimer
	}
}

// ptr helpers for building Changes.

func ptr[T any](v T) *T {
	return &v
}
