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
	"crypto/sha256"
	"encoding/hex"

	"github.com/aurora-msg/aurora/pkg/ident"
)

// DeriveGroupV2ID derives the v2 group identifier a legacy (v1) group would
// migrate to. Used by the conflict scanner to detect a v1 group and its
// migrated v2 twin coexisting as separate records.
func DeriveGroupV2ID(groupV1ID string) string {
	sum := sha256.Sum256([]byte("GV2Migration:" + groupV1ID))
	return hex.EncodeToString(sum[:])
}

// CheckForConflicts walks all conversation records oldest-to-newest and
// eliminates duplicate identity claims left over from prior inconsistent
// states. For each of {service id, routing id, phone number, derived
// group-v2 id} it checks whether the key is already claimed by an earlier
// record; if so, the record with more identifying data is kept (ties broken
// toward the newer-iterated record) and the key is stripped from the loser,
// consolidating the loser entirely when it retains no identity.
//
// Consolidations run on the same serial queue as the merge engine's, so no
// two consolidations ever touch overlapping records concurrently. A failing
// consolidation is logged and the scan continues; remaining duplicates are
// picked up by the next scan rather than aborting this one partway.
func (c *Controller) CheckForConflicts(ctx context.Context) error {
	c.mu.Lock()
	if !c.loaded {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	snapshot := make([]*Record, len(c.registry.all()))
	copy(snapshot, c.registry.all())
	c.mu.Unlock()

	c.log.Info().Int("count", len(snapshot)).Msg("Scanning conversations for identity conflicts")

	// Service ids and routing ids share one claim namespace: a routing id
	// sitting in a tricky primary slot must collide with the same value
	// held as a plain routing id elsewhere.
	identClaims := make(map[string]*Record)
	e164Claims := make(map[string]*Record)
	groupClaims := make(map[string]*Record)
	resolved := 0

	for _, rec := range snapshot {
		if rec.GroupID != "" {
			groupClaims[rec.GroupID] = rec
		}
	}

	for _, rec := range snapshot {
		for _, kind := range ident.MergeOrder {
			value := rec.KeyValue(kind)
			if value == "" {
				continue
			}
			claimMap := identClaims
			if kind == ident.KindE164 {
				claimMap = e164Claims
			}
			prior, ok := claimMap[value]
			if !ok || prior == rec {
				claimMap[value] = rec
				continue
			}
			keeper, loser := pickKeeper(prior, rec)
			c.log.Warn().
				Str("kind", kind.String()).
				Str("keeper", keeper.LocalID).
				Str("loser", loser.LocalID).
				Msg("Duplicate identity claim found during conflict scan")
			if err := c.resolveDuplicateClaim(ctx, kind, value, keeper, loser); err != nil {
				c.log.Error().Err(err).
					Str("keeper", keeper.LocalID).
					Str("loser", loser.LocalID).
					Msg("Failed to resolve duplicate claim, continuing scan")
				continue
			}
			claimMap[value] = keeper
			resolved++
		}

		// A legacy group whose migrated v2 twin also exists is folded into
		// the twin.
		if rec.Kind == KindGroup && rec.GroupVersion == 1 && rec.GroupID != "" {
			derived := DeriveGroupV2ID(rec.GroupID)
			twin, ok := groupClaims[derived]
			if !ok || twin == rec {
				continue
			}
			c.log.Warn().
				Str("legacy", rec.LocalID).
				Str("migrated", twin.LocalID).
				Msg("Legacy group has a migrated twin, consolidating")
			if err := c.consolidateGroupPair(ctx, rec, twin); err != nil {
				c.log.Error().Err(err).
					Str("legacy", rec.LocalID).
					Msg("Failed to consolidate legacy group, continuing scan")
				continue
			}
			resolved++
		}
	}

	c.mu.Lock()
	c.registry.reindex()
	c.mu.Unlock()

	c.log.Info().Int("resolved", resolved).Msg("Conflict scan finished")
	return nil
}

// pickKeeper keeps the record carrying more identifying data; ties go to
// the newer-iterated record, which is the more recently created duplicate.
func pickKeeper(prior, current *Record) (keeper, loser *Record) {
	if current.IdentityWeight() >= prior.IdentityWeight() {
		return current, prior
	}
	return prior, current
}

// resolveDuplicateClaim strips the contested key from the loser onto the
// keeper and awaits the resulting side effects, including full
// consolidation when the loser is left with no identity.
func (c *Controller) resolveDuplicateClaim(ctx context.Context, kind ident.KeyKind, value string, keeper, loser *Record) error {
	var tasks []*MergeTask
	prov := Provenance{VerifiedBinding: true, FromSelfSync: true}

	c.mu.Lock()
	c.stripAndFoldLocked(loser, kind, value, keeper, CombineRequest{}, prov, &tasks)
	tasks = append(tasks, c.persistTask("update", keeper, c.persistUpdate(keeper)))
	c.mu.Unlock()

	result := &MergeResult{Target: keeper, Tasks: tasks}
	return result.Wait(ctx)
}

// consolidateGroupPair folds a legacy group record into its migrated twin.
func (c *Controller) consolidateGroupPair(ctx context.Context, legacy, migrated *Record) error {
	var tasks []*MergeTask

	c.mu.Lock()
	c.registry.forget(legacy)
	legacy.apply(Change{GroupID: ptr("")})
	tasks = append(tasks, c.scheduleConsolidation(legacy, migrated))
	c.mu.Unlock()

	result := &MergeResult{Target: migrated, Tasks: tasks}
	return result.Wait(ctx)
}
