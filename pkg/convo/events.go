// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package convo

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType classifies a conversation notification.
type EventType int

const (
	EventAdded EventType = iota + 1
	EventChanged
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one conversation notification delivered to the UI layer.
type Event struct {
	Type    EventType
	LocalID string
	Record  *Record
}

// EventSink receives batched conversation notifications. The UI state layer
// implements this; a nil sink disables notifications.
type EventSink interface {
	ConversationEvents(events []Event)
}

// EventBatcher coalesces add/change notifications that land within the same
// tick into one batch, and flushes immediately on any removal so removal
// ordering is preserved relative to the adds and changes that preceded it.
//
// Coalescing rule: at most one pending event per conversation; a change
// arriving after a pending add stays an add (the UI has not seen the record
// yet), any later event replaces an earlier change.
type EventBatcher struct {
	log  zerolog.Logger
	sink EventSink

	mu      sync.Mutex
	pending []Event
	index   map[string]int // localID -> position in pending
	timer   *time.Timer
	closed  bool
}

// batchDelay is the coalescing window. Events within one window are
// delivered as a single batch.
const batchDelay = 5 * time.Millisecond

func NewEventBatcher(log zerolog.Logger, sink EventSink) *EventBatcher {
	return &EventBatcher{
		log:   log.With().Str("component", "event_batcher").Logger(),
		sink:  sink,
		index: make(map[string]int),
	}
}

func (b *EventBatcher) RecordAdded(rec *Record) {
	b.add(Event{Type: EventAdded, LocalID: rec.LocalID, Record: rec})
}

func (b *EventBatcher) RecordChanged(rec *Record) {
	b.add(Event{Type: EventChanged, LocalID: rec.LocalID, Record: rec})
}

// RecordRemoved flushes everything pending and then delivers the removal on
// its own, immediately.
func (b *EventBatcher) RecordRemoved(rec *Record) {
	if b.sink == nil {
		return
	}
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.sink.ConversationEvents(batch)
	}
	b.sink.ConversationEvents([]Event{{Type: EventRemoved, LocalID: rec.LocalID, Record: rec}})
}

func (b *EventBatcher) add(ev Event) {
	if b.sink == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if pos, ok := b.index[ev.LocalID]; ok {
		// Keep an earlier add as an add; otherwise the latest event wins.
		if b.pending[pos].Type == EventAdded && ev.Type == EventChanged {
			b.pending[pos].Record = ev.Record
		} else {
			b.pending[pos] = ev
		}
		return
	}
	b.index[ev.LocalID] = len(b.pending)
	b.pending = append(b.pending, ev)
	if b.timer == nil {
		b.timer = time.AfterFunc(batchDelay, b.flush)
	}
}

func (b *EventBatcher) flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.sink.ConversationEvents(batch)
	}
}

// takeLocked detaches the pending batch. Caller holds b.mu.
func (b *EventBatcher) takeLocked() []Event {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	b.index = make(map[string]int)
	return batch
}

// Close delivers anything still pending.
func (b *EventBatcher) Close() {
	if b.sink == nil {
		return
	}
	b.mu.Lock()
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.sink.ConversationEvents(batch)
	}
}
