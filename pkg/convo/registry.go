// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package convo

import (
	"github.com/rs/zerolog"

	"github.com/aurora-msg/aurora/pkg/ident"
)

// registry holds the in-memory identity indices: one map per key kind, each
// mapping a claimed key value to exactly one conversation record.
//
// The registry never throws on conflicting claims; the soft-overwrite policy
// in insert resolves them, logging a warning. It is not safe for concurrent
// use on its own; the Controller serializes all access behind its lock.
type registry struct {
	log zerolog.Logger

	byServiceID map[string]*Record
	byRoutingID map[string]*Record
	byE164      map[string]*Record
	byGroupID   map[string]*Record
	byLocalID   map[string]*Record

	// order preserves insertion order for Reindex and the conflict scanner's
	// oldest-to-newest walk.
	order []*Record
}

func newRegistry(log zerolog.Logger) *registry {
	r := &registry{log: log.With().Str("component", "registry").Logger()}
	r.reset()
	return r
}

func (reg *registry) reset() {
	reg.byServiceID = make(map[string]*Record)
	reg.byRoutingID = make(map[string]*Record)
	reg.byE164 = make(map[string]*Record)
	reg.byGroupID = make(map[string]*Record)
	reg.byLocalID = make(map[string]*Record)
}

// lookup resolves an ambiguous raw identifier to a record. The precedence is
// deliberate, not incidental: phone-number forms first (bare and with a
// leading '+'), then primary identity, then routing id, then group id, then
// local record id. First match wins.
func (reg *registry) lookup(raw string) *Record {
	if raw == "" {
		return nil
	}
	if ident.LooksLikePhone(raw) {
		for _, form := range ident.PhoneLookupForms(raw) {
			if rec, ok := reg.byE164[form]; ok {
				return rec
			}
		}
	}
	if rec, ok := reg.byServiceID[raw]; ok {
		return rec
	}
	if rec, ok := reg.byRoutingID[raw]; ok {
		return rec
	}
	if rec, ok := reg.byGroupID[raw]; ok {
		return rec
	}
	if rec, ok := reg.byLocalID[raw]; ok {
		return rec
	}
	return nil
}

// lookupByKind resolves a single identity key value of a known kind. The
// routing kind also consults the primary-identity index so a routing id
// sitting in the tricky slot is still found.
func (reg *registry) lookupByKind(kind ident.KeyKind, value string) *Record {
	if value == "" {
		return nil
	}
	switch kind {
	case ident.KindServiceID:
		if rec, ok := reg.byServiceID[value]; ok {
			return rec
		}
		// A routing id can occupy the primary slot; a ServiceID never ends
		// up in the routing index, so no fallthrough the other way.
		return nil
	case ident.KindE164:
		return reg.byE164[value]
	case ident.KindRoutingID:
		if rec, ok := reg.byRoutingID[value]; ok {
			return rec
		}
		// Tricky slot: the routing id may be indexed as a primary identity.
		return reg.byServiceID[value]
	default:
		return nil
	}
}

// insert claims every non-empty key the record holds. When another record
// already claims a key, the claim is overwritten only if the incoming record
// carries more identity information (soft overwrite). The registry always
// prefers to keep the claimant with more identifying data, so insertion is
// not last-write-wins.
func (reg *registry) insert(rec *Record, track bool) {
	reg.claim(reg.byLocalID, rec.LocalID, rec, "localID")
	reg.claim(reg.byServiceID, string(rec.PrimaryIdentity), rec, "primaryIdentity")
	reg.claim(reg.byRoutingID, string(rec.RoutingID), rec, "routingID")
	reg.claim(reg.byE164, string(rec.E164), rec, "e164")
	reg.claim(reg.byGroupID, rec.GroupID, rec, "groupID")
	if track {
		reg.order = append(reg.order, rec)
	}
}

func (reg *registry) claim(index map[string]*Record, key string, rec *Record, kind string) {
	if key == "" {
		return
	}
	existing, ok := index[key]
	if !ok || existing == rec {
		index[key] = rec
		return
	}
	if rec.IdentityWeight() >= existing.IdentityWeight() {
		reg.log.Warn().
			Str("kind", kind).
			Str("key", key).
			Str("kept", rec.LocalID).
			Str("displaced", existing.LocalID).
			Msg("Duplicate identity claim, overwriting with stronger record")
		index[key] = rec
		return
	}
	reg.log.Warn().
		Str("kind", kind).
		Str("key", key).
		Str("kept", existing.LocalID).
		Str("ignored", rec.LocalID).
		Msg("Duplicate identity claim, keeping existing stronger record")
}

// remove deletes the record's claims. Each mapping is deleted only if the
// current claimant is exactly this record, so a claim rewritten by a later
// insert is not clobbered.
func (reg *registry) remove(rec *Record) {
	reg.unclaim(reg.byLocalID, rec.LocalID, rec)
	reg.unclaim(reg.byServiceID, string(rec.PrimaryIdentity), rec)
	reg.unclaim(reg.byRoutingID, string(rec.RoutingID), rec)
	reg.unclaim(reg.byE164, string(rec.E164), rec)
	reg.unclaim(reg.byGroupID, rec.GroupID, rec)
	for i, r := range reg.order {
		if r == rec {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
}

func (reg *registry) unclaim(index map[string]*Record, key string, rec *Record) {
	if key == "" {
		return
	}
	if index[key] == rec {
		delete(index, key)
	}
}

// reindex wipes all maps and reinserts every record in store order. Used
// after bulk mutation (a conflict scan, a merge that rewrote several
// records) to restore index consistency.
func (reg *registry) reindex() {
	reg.reset()
	for _, rec := range reg.order {
		reg.insert(rec, false)
	}
}

// all returns the records in insertion (oldest-first) order. The returned
// slice is shared; callers must not mutate it.
func (reg *registry) all() []*Record {
	return reg.order
}

// forget removes a record's index claims after its identity fields were
// cleared in place: the maps may still hold the record under its old keys,
// which remove (keyed on current fields) would miss. Walks every index.
func (reg *registry) forget(rec *Record) {
	for _, index := range []map[string]*Record{
		reg.byServiceID, reg.byRoutingID, reg.byE164, reg.byGroupID, reg.byLocalID,
	} {
		for key, claimant := range index {
			if claimant == rec {
				delete(index, key)
			}
		}
	}
	for i, r := range reg.order {
		if r == rec {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
}
