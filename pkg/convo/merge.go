// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package convo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aurora-msg/aurora/pkg/ident"
)

// ErrNoIdentifiers is returned when MaybeMergeContacts is called with all
// three identity keys absent.
var ErrNoIdentifiers = errors.New("at least one identity key is required")

// CombineRequest is a (possibly partial) triple of identity keys observed
// together, e.g. from an incoming envelope or a storage-service record.
type CombineRequest struct {
	ServiceID ident.ServiceID
	RoutingID ident.RoutingID
	E164      ident.E164
}

func (req *CombineRequest) value(kind ident.KeyKind) string {
	switch kind {
	case ident.KindServiceID:
		return string(req.ServiceID)
	case ident.KindE164:
		return string(req.E164)
	case ident.KindRoutingID:
		return string(req.RoutingID)
	default:
		return ""
	}
}

// Provenance describes where a key triple came from.
type Provenance struct {
	// VerifiedBinding is true when the triple comes from a cryptographically
	// verified binding between the keys. Unverified routing-id changes
	// produce a number-changed notification.
	VerifiedBinding bool
	// FromSelfSync is true when the triple is a re-derivation from our own
	// synced state rather than an external observation.
	FromSelfSync bool
}

// MergeTask is one deferred side effect of a merge: a consolidation or a
// notification already enqueued on the serial queue. The merge is not
// durable until every task has been awaited.
type MergeTask struct {
	Name string
	done <-chan error
}

// Wait blocks until the task completes and returns its error.
func (t *MergeTask) Wait(ctx context.Context) error {
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MergeResult is the outcome of identity resolution: the one conversation
// record to treat as "the conversation for this identity set", plus the
// deferred side effects the caller must await before considering the merge
// durable.
type MergeResult struct {
	Target *Record
	Tasks  []*MergeTask
}

// Wait awaits all side-effect tasks, returning the first error.
func (r *MergeResult) Wait(ctx context.Context) error {
	for _, task := range r.Tasks {
		if err := task.Wait(ctx); err != nil {
			return fmt.Errorf("merge task %q: %w", task.Name, err)
		}
	}
	return nil
}

// deferredKey is a supplied key whose kind had no existing match before a
// target was established. It is held back ("unused") and folded onto
// whichever record later becomes the target.
type deferredKey struct {
	kind  ident.KeyKind
	value string
}

// MaybeMergeContacts resolves a key triple to exactly one target record,
// consolidating previously-separate records as needed.
//
// The kinds are processed in the fixed order service id → phone number →
// routing id. Target selection and registry mutation happen synchronously
// under the controller lock; only the consolidation side effects (message
// re-attribution, session teardown, persisted-record deletion) are deferred
// onto the serial queue and returned as tasks.
//
// Given the same existing records and the same inputs, the result is
// deterministic apart from freshly generated local ids.
func (c *Controller) MaybeMergeContacts(req CombineRequest, prov Provenance) (*MergeResult, error) {
	if req.ServiceID == "" && req.RoutingID == "" && req.E164 == "" {
		return nil, ErrNoIdentifiers
	}
	if req.E164 != "" {
		req.E164 = ident.NormalizeE164(string(req.E164))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var target *Record
	var deferred []deferredKey
	var tasks []*MergeTask
	created := false
	changed := false

	for _, kind := range ident.MergeOrder {
		value := req.value(kind)
		if value == "" {
			continue
		}
		match := c.registry.lookupByKind(kind, value)

		if match == nil {
			if target != nil {
				// This may overwrite a previously-known differing value for
				// the kind. Documented lossy behavior, not a bug.
				if c.applyKeyLocked(target, kind, value, req, prov, &tasks) {
					changed = true
				}
			} else {
				deferred = append(deferred, deferredKey{kind: kind, value: value})
			}
			continue
		}

		if target == nil {
			if matchCanHost(match, deferred, req) {
				target = match
				for _, dk := range deferred {
					if c.applyKeyLocked(target, dk.kind, dk.value, req, prov, &tasks) {
						changed = true
					}
				}
				deferred = nil
				continue
			}
			// The matched record cannot host the deferred identity: a fresh
			// record hosts it instead, and the matched record is treated as
			// a secondary claimant of the current key.
			target = c.newMergeTargetLocked(req, deferred)
			created = true
			deferred = nil
			c.stripAndFoldLocked(match, kind, value, target, req, prov, &tasks)
			changed = true
			continue
		}

		if match == target {
			continue
		}
		// A second, different record claims this kind's key.
		c.stripAndFoldLocked(match, kind, value, target, req, prov, &tasks)
		changed = true
	}

	if target == nil {
		// Degenerate case: none of the supplied keys matched anything.
		target = c.newMergeTargetLocked(req, deferred)
		created = true
	}

	switch {
	case created:
		c.events.RecordAdded(target)
		tasks = append(tasks, c.persistTask("persist", target, c.persistNew(target)))
	case changed:
		c.events.RecordChanged(target)
		tasks = append(tasks, c.persistTask("update", target, c.persistUpdate(target)))
	}

	return &MergeResult{Target: target, Tasks: tasks}, nil
}

// matchCanHost decides whether a matched record can become the target and
// absorb the deferred keys, or must itself be merged away in favor of a
// fresh record. Tie-break order, per deferred key:
//
//	(a) the deferred key's kind is simply missing on the matched record
//	(b) the deferred kind is the service-id slot but the matched record's
//	    primary identity equals the incoming routing id (tricky-slot
//	    equivalence)
//	(c) the matched record's primary identity equals its own routing id
//	    (self-consistent tricky case)
//	(d) otherwise the match cannot host
func matchCanHost(match *Record, deferred []deferredKey, req CombineRequest) bool {
	for _, dk := range deferred {
		switch {
		case match.KeyValue(dk.kind) == "":
			continue
		case dk.kind == ident.KindServiceID && req.RoutingID != "" &&
			string(match.PrimaryIdentity) == string(req.RoutingID):
			continue
		case match.InTrickySlot():
			continue
		default:
			return false
		}
	}
	return true
}

// newMergeTargetLocked creates a fresh direct conversation carrying the
// given deferred keys. The local-id seed precedence is service id, else
// routing id, else phone number. Caller holds c.mu.
func (c *Controller) newMergeTargetLocked(req CombineRequest, deferred []deferredKey) *Record {
	seed := string(req.ServiceID)
	if seed == "" {
		seed = string(req.RoutingID)
	}
	if seed == "" {
		seed = string(req.E164)
	}
	rec := &Record{
		LocalID: c.newID(),
		Kind:    KindDirect,
	}
	for _, dk := range deferred {
		switch dk.kind {
		case ident.KindServiceID:
			rec.apply(Change{PrimaryIdentity: ptr(ident.ServiceID(dk.value))})
		case ident.KindE164:
			rec.apply(Change{E164: ptr(ident.E164(dk.value))})
		case ident.KindRoutingID:
			rec.apply(Change{RoutingID: ptr(ident.RoutingID(dk.value))})
		}
	}
	c.registry.insert(rec, true)
	c.log.Debug().Str("local_id", rec.LocalID).Str("seed", seed).Msg("Created merge target")
	return rec
}

// applyKeyLocked writes one identity key onto the target, updating registry
// claims, and reports whether anything actually changed. An unverified
// routing-id change on a target whose account id also differs or is unknown
// queues a number-changed notification instead of silently dropping the old
// routing id; the dropped routing id's identity material is torn down
// either way. Caller holds c.mu.
func (c *Controller) applyKeyLocked(target *Record, kind ident.KeyKind, value string, req CombineRequest, prov Provenance, tasks *[]*MergeTask) bool {
	switch kind {
	case ident.KindServiceID:
		old := target.ServiceID()
		if string(old) == value {
			return false
		}
		if old != "" {
			c.log.Warn().
				Str("local_id", target.LocalID).
				Msg("Overwriting differing service id on merge target")
		}
		c.mutateLocked(target, Change{PrimaryIdentity: ptr(ident.ServiceID(value))})
	case ident.KindE164:
		if string(target.E164) == value {
			return false
		}
		if target.E164 != "" {
			c.log.Warn().
				Str("local_id", target.LocalID).
				Msg("Overwriting differing phone number on merge target")
		}
		c.mutateLocked(target, Change{E164: ptr(ident.E164(value))})
	case ident.KindRoutingID:
		old := target.RoutingID
		if string(old) == value {
			return false
		}
		if old != "" {
			// The old routing id is discarded entirely; identity material
			// keyed to it is no longer valid.
			*tasks = append(*tasks, c.scheduleIdentityDrop(ident.ServiceID(old)))
			if !prov.VerifiedBinding {
				aci := target.ServiceID()
				if aci == "" || (req.ServiceID != "" && req.ServiceID != aci) {
					*tasks = append(*tasks, c.scheduleNumberChangeNotice(target))
				}
			}
		}
		c.mutateLocked(target, Change{RoutingID: ptr(ident.RoutingID(value))})
	}
	return true
}

// scheduleIdentityDrop queues teardown of identity-key material for a
// discarded identifier.
func (c *Controller) scheduleIdentityDrop(id ident.ServiceID) *MergeTask {
	name := "drop identity key"
	done := c.queue.Enqueue(name, func(ctx context.Context) error {
		return c.sessions.RemoveIdentityKey(ctx, id)
	})
	return &MergeTask{Name: name, done: done}
}

// stripAndFoldLocked removes one key claim from a secondary claimant and
// writes the key onto the target. If the stripped record retains no
// identity key at all, it is scheduled for full consolidation into the
// target. Caller holds c.mu.
func (c *Controller) stripAndFoldLocked(match *Record, kind ident.KeyKind, value string, target *Record, req CombineRequest, prov Provenance, tasks *[]*MergeTask) {
	c.registry.forget(match)
	switch kind {
	case ident.KindServiceID:
		match.apply(Change{PrimaryIdentity: ptr(ident.ServiceID(""))})
	case ident.KindE164:
		match.apply(Change{E164: ptr(ident.E164(""))})
	case ident.KindRoutingID:
		match.apply(Change{RoutingID: ptr(ident.RoutingID(""))})
	}

	c.applyKeyLocked(target, kind, value, req, prov, tasks)

	if match.HasAnyIdentity() {
		c.registry.insert(match, true)
		c.events.RecordChanged(match)
		*tasks = append(*tasks, c.persistTask("update", match, c.persistUpdate(match)))
		c.log.Info().
			Str("kind", kind.String()).
			Str("from", match.LocalID).
			Str("to", target.LocalID).
			Msg("Moved identity key between conversations")
		return
	}

	// The match has nothing left identifying it: fold it into the target
	// entirely. The record stays out of the registry from this point; the
	// queued consolidation finishes re-attribution before the persisted row
	// is deleted.
	*tasks = append(*tasks, c.scheduleConsolidation(match, target))
}

// persistTask wraps a queued persistence write as a MergeTask.
func (c *Controller) persistTask(verb string, rec *Record, done <-chan error) *MergeTask {
	return &MergeTask{Name: fmt.Sprintf("%s %s", verb, rec.LocalID), done: done}
}

// scheduleNumberChangeNotice queues a "this contact's number changed"
// marker for the conversation.
func (c *Controller) scheduleNumberChangeNotice(target *Record) *MergeTask {
	name := fmt.Sprintf("number-change notice %s", target.LocalID)
	done := c.queue.Enqueue(name, func(ctx context.Context) error {
		return c.store.AddChangeNumberNotification(ctx, target.LocalID)
	})
	return &MergeTask{Name: name, done: done}
}

// scheduleConsolidation queues the full consolidation of obsolete into
// target on the serial queue. The captured service id is the one the
// obsolete record held before it was stripped, needed for identity-key
// teardown.
func (c *Controller) scheduleConsolidation(obsolete, target *Record) *MergeTask {
	name := fmt.Sprintf("merge %s into %s", obsolete.LocalID, target.LocalID)
	done := c.queue.Enqueue(name, func(ctx context.Context) error {
		return c.consolidate(ctx, obsolete, target)
	})
	return &MergeTask{Name: name, done: done}
}

// consolidate folds one conversation record into another and deletes the
// source. It must only ever run from within the serial queue; calling it
// directly from a task already on the queue deadlocks on re-entry, and
// calling it outside the queue races other consolidations.
//
// Ordering matters: message re-attribution completes before the persisted
// record is removed, so the obsolete record is never gone while undelivered
// work still references it.
func (c *Controller) consolidate(ctx context.Context, obsolete, target *Record) error {
	log := c.log.With().
		Str("obsolete", obsolete.LocalID).
		Str("target", target.LocalID).
		Logger()
	log.Info().Msg("Consolidating conversations")

	c.mu.Lock()
	ch := Change{}
	if target.Name == "" && obsolete.Name != "" {
		ch.Name = ptr(obsolete.Name)
	}
	if target.ProfileName == "" && obsolete.ProfileName != "" {
		ch.ProfileName = ptr(obsolete.ProfileName)
	}
	if obsolete.MessageCount > 0 {
		ch.MessageCount = ptr(target.MessageCount + obsolete.MessageCount)
	}
	if obsolete.ActivityAt.After(target.ActivityAt) {
		ch.ActivityAt = ptr(obsolete.ActivityAt)
	}
	if obsolete.Pinned && !target.Pinned {
		ch.Pinned = ptr(true)
	}
	c.mutateLocked(target, ch)
	c.registry.forget(obsolete)
	storageID := obsolete.StorageID
	c.mu.Unlock()

	if err := c.store.MigrateConversationMessages(ctx, obsolete.LocalID, target.LocalID); err != nil {
		return fmt.Errorf("failed to migrate messages: %w", err)
	}
	if err := c.sessions.RemoveSessionsByConversation(ctx, obsolete.LocalID); err != nil {
		return fmt.Errorf("failed to remove sessions: %w", err)
	}
	if storageID != "" {
		if err := c.store.AddStorageSyncPendingDelete(ctx, storageID); err != nil {
			return fmt.Errorf("failed to schedule storage sync removal: %w", err)
		}
	}
	if err := c.store.RemoveConversation(ctx, obsolete.LocalID); err != nil {
		return fmt.Errorf("failed to remove conversation: %w", err)
	}
	if err := c.store.UpdateConversation(ctx, target); err != nil {
		return fmt.Errorf("failed to update merge target: %w", err)
	}

	c.events.RecordRemoved(obsolete)
	c.events.RecordChanged(target)
	return nil
}

// mutateLocked applies a change and refreshes the record's registry claims.
// Caller holds c.mu.
func (c *Controller) mutateLocked(rec *Record, ch Change) {
	c.registry.forget(rec)
	rec.apply(ch)
	c.registry.insert(rec, true)
}
