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
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aurora-msg/aurora/pkg/ident"
)

// ErrNotLoaded is returned by lookups made before Load has completed.
var ErrNotLoaded = errors.New("conversation controller not loaded yet")

// Store is the persistent mirror of the conversation record store. The
// concrete implementation lives in pkg/store; the controller only needs this
// narrow surface.
type Store interface {
	GetAllConversations(ctx context.Context) ([]*Record, error)
	SaveConversation(ctx context.Context, rec *Record) error
	UpdateConversation(ctx context.Context, rec *Record) error
	RemoveConversation(ctx context.Context, localID string) error
	// MigrateConversationMessages re-attributes every message and group
	// membership of fromID to toID.
	MigrateConversationMessages(ctx context.Context, fromID, toID string) error
	// AddStorageSyncPendingDelete schedules removal of the storage-service
	// sync record identified by storageID.
	AddStorageSyncPendingDelete(ctx context.Context, storageID string) error
	// AddChangeNumberNotification inserts a "this contact's number changed"
	// structural update into the conversation's message history.
	AddChangeNumberNotification(ctx context.Context, conversationID string) error
}

// SessionStore tears down cryptographic session state for merged-away
// conversations.
type SessionStore interface {
	RemoveSessionsByConversation(ctx context.Context, localID string) error
	RemoveIdentityKey(ctx context.Context, serviceID ident.ServiceID) error
}

// Controller owns the conversation record store and the identity registry,
// and is the single entry point for identity resolution. One Controller is
// constructed at startup and injected into every collaborator that needs
// identity resolution; there is deliberately no package-level instance.
type Controller struct {
	log      zerolog.Logger
	store    Store
	sessions SessionStore
	events   *EventBatcher

	// mu serializes all registry reads and mutations. Resolution decides a
	// target and mutates the registry under one lock acquisition, with no
	// suspension point between "decide" and "mutate", which is what keeps
	// two concurrent resolvers from both creating a record for the same key.
	mu       sync.Mutex
	registry *registry
	loaded   bool

	// queue runs consolidations one at a time. See serialQueue.
	queue *serialQueue

	// newID generates record local ids. Replaced by a deterministic
	// sequence in tests.
	newID func() string
}

// NewController builds a Controller over the given collaborators. Call Load
// before any lookup.
func NewController(log zerolog.Logger, store Store, sessions SessionStore, sink EventSink) *Controller {
	clog := log.With().Str("component", "conversation_controller").Logger()
	return &Controller{
		log:      clog,
		store:    store,
		sessions: sessions,
		events:   NewEventBatcher(clog, sink),
		registry: newRegistry(clog),
		queue:    newSerialQueue(clog),
		newID:    uuid.NewString,
	}
}

// SetIDGenerator replaces the local-id generator. Intended for tests that
// need deterministic record ids.
func (c *Controller) SetIDGenerator(gen func() string) {
	c.newID = gen
}

// Load reads all persisted conversations into the registry. Must complete
// before Get and friends are usable.
func (c *Controller) Load(ctx context.Context) error {
	records, err := c.store.GetAllConversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		c.registry.insert(rec, true)
	}
	c.loaded = true
	c.log.Info().Int("count", len(records)).Msg("Loaded conversations into registry")
	return nil
}

// Get resolves a raw identifier (phone number, service id, routing id,
// group id, or local id) to a conversation record, using the registry's
// documented lookup precedence. Returns ErrNotLoaded before initial load.
func (c *Controller) Get(identifier string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return nil, ErrNotLoaded
	}
	return c.registry.lookup(identifier), nil
}

// GetOrCreate resolves an identifier, creating a new record when nothing
// matches. The creation is synchronous; the persistence write is deferred
// onto the serial queue and the returned channel reports its outcome.
func (c *Controller) GetOrCreate(identifier string, kind Kind) (*Record, <-chan error) {
	c.mu.Lock()
	if rec := c.registry.lookup(identifier); rec != nil {
		c.mu.Unlock()
		done := make(chan error, 1)
		done <- nil
		return rec, done
	}
	rec := c.newRecordLocked(kind, identifier)
	c.mu.Unlock()

	c.events.RecordAdded(rec)
	return rec, c.persistNew(rec)
}

// LookupOrCreate resolves a phone number and/or service-or-routing id to a
// direct conversation, creating one when neither key is known. Reason is
// only logged. Returns nil when both identifiers are empty.
func (c *Controller) LookupOrCreate(phoneNumber, serviceOrRoutingID, reason string) *Record {
	if phoneNumber == "" && serviceOrRoutingID == "" {
		c.log.Warn().Str("reason", reason).Msg("LookupOrCreate called with no identifiers")
		return nil
	}
	c.mu.Lock()
	if serviceOrRoutingID != "" {
		if rec := c.registry.lookup(serviceOrRoutingID); rec != nil {
			c.mu.Unlock()
			return rec
		}
	}
	if phoneNumber != "" {
		if rec := c.registry.lookup(phoneNumber); rec != nil {
			c.mu.Unlock()
			return rec
		}
	}
	seed := serviceOrRoutingID
	if seed == "" {
		seed = phoneNumber
	}
	rec := c.newRecordLocked(KindDirect, seed)
	c.mu.Unlock()

	c.log.Debug().Str("reason", reason).Str("local_id", rec.LocalID).Msg("Created conversation in LookupOrCreate")
	c.events.RecordAdded(rec)
	c.persistNew(rec)
	return rec
}

// newRecordLocked creates and indexes a record seeded with one raw
// identifier. Caller holds c.mu.
func (c *Controller) newRecordLocked(kind Kind, identifier string) *Record {
	rec := &Record{
		LocalID:      c.newID(),
		Kind:         kind,
		GroupVersion: 0,
	}
	switch {
	case kind == KindGroup:
		rec.GroupID = identifier
		rec.GroupVersion = 2
	case ident.LooksLikePhone(identifier):
		rec.E164 = ident.NormalizeE164(identifier)
	default:
		// Raw service-or-routing identifiers land in the primary slot; the
		// merge engine sorts out which kind it really was once more keys
		// are observed together.
		rec.PrimaryIdentity = ident.ServiceID(identifier)
	}
	c.registry.insert(rec, true)
	return rec
}

// persistNew saves a freshly created record via the serial queue.
func (c *Controller) persistNew(rec *Record) <-chan error {
	return c.queue.Enqueue("persist "+rec.LocalID, func(ctx context.Context) error {
		return c.store.SaveConversation(ctx, rec)
	})
}

// persistUpdate saves identity-field changes for an existing record.
func (c *Controller) persistUpdate(rec *Record) <-chan error {
	return c.queue.Enqueue("update "+rec.LocalID, func(ctx context.Context) error {
		return c.store.UpdateConversation(ctx, rec)
	})
}

// All returns a snapshot of all records in store order.
func (c *Controller) All() []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Record, len(c.registry.all()))
	copy(out, c.registry.all())
	return out
}

// ApplyChange mutates a record through the centralized invariant-repairing
// entry point, reindexes its registry claims, and schedules persistence.
// Collaborators (message pipeline, storage sync, UI actions) must use this
// rather than writing record fields directly.
func (c *Controller) ApplyChange(rec *Record, ch Change) <-chan error {
	c.mu.Lock()
	c.registry.forget(rec)
	rec.apply(ch)
	c.registry.insert(rec, true)
	c.mu.Unlock()

	c.events.RecordChanged(rec)
	return c.persistUpdate(rec)
}

// Close flushes pending events and stops the serial queue, waiting for
// queued consolidations to finish.
func (c *Controller) Close() {
	c.queue.Close()
	c.events.Close()
}
