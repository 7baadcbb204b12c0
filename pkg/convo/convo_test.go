package convo

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aurora-msg/aurora/pkg/ident"
)

// fakeStore is an in-memory Store that records the calls the controller
// makes, so tests can assert persistence ordering without a database.
type fakeStore struct {
	mu sync.Mutex

	seed       []*Record
	saved      map[string]*Record
	removed    []string
	migrations [][2]string
	pendingDeletes []string
	numberNotices  []string

	failMigrations bool
}

func newFakeStore(seed ...*Record) *fakeStore {
	return &fakeStore{seed: seed, saved: make(map[string]*Record)}
}

func (f *fakeStore) GetAllConversations(ctx context.Context) ([]*Record, error) {
	return f.seed, nil
}

func (f *fakeStore) SaveConversation(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[rec.LocalID] = rec
	return nil
}

func (f *fakeStore) UpdateConversation(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[rec.LocalID] = rec
	return nil
}

func (f *fakeStore) RemoveConversation(ctx context.Context, localID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, localID)
	f.removed = append(f.removed, localID)
	return nil
}

func (f *fakeStore) MigrateConversationMessages(ctx context.Context, fromID, toID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMigrations {
		return fmt.Errorf("migration of %s refused", fromID)
	}
	f.migrations = append(f.migrations, [2]string{fromID, toID})
	return nil
}

func (f *fakeStore) AddStorageSyncPendingDelete(ctx context.Context, storageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingDeletes = append(f.pendingDeletes, storageID)
	return nil
}

func (f *fakeStore) AddChangeNumberNotification(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numberNotices = append(f.numberNotices, conversationID)
	return nil
}

func (f *fakeStore) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}

func (f *fakeStore) migrated() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]string, len(f.migrations))
	copy(out, f.migrations)
	return out
}

func (f *fakeStore) notices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.numberNotices))
	copy(out, f.numberNotices)
	return out
}

type fakeSessions struct {
	mu              sync.Mutex
	removedSessions []string
	removedKeys     []ident.ServiceID
}

func (f *fakeSessions) RemoveSessionsByConversation(ctx context.Context, localID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedSessions = append(f.removedSessions, localID)
	return nil
}

func (f *fakeSessions) RemoveIdentityKey(ctx context.Context, serviceID ident.ServiceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedKeys = append(f.removedKeys, serviceID)
	return nil
}

func (f *fakeSessions) droppedKeys() []ident.ServiceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ident.ServiceID, len(f.removedKeys))
	copy(out, f.removedKeys)
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func (f *fakeSink) ConversationEvents(events []Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]Event, len(events))
	copy(batch, events)
	f.batches = append(f.batches, batch)
}

func (f *fakeSink) all() [][]Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]Event, len(f.batches))
	copy(out, f.batches)
	return out
}

// newTestController builds a loaded controller over fakes with deterministic
// local ids c1, c2, c3, ...
func newTestController(ctx context.Context, seed ...*Record) (*Controller, *fakeStore, *fakeSessions, error) {
	st := newFakeStore(seed...)
	sess := &fakeSessions{}
	ctrl := NewController(zerolog.Nop(), st, sess, nil)
	n := 0
	ctrl.SetIDGenerator(func() string {
		n++
		return fmt.Sprintf("c%d", n)
	})
	err := ctrl.Load(ctx)
	return ctrl, st, sess, err
}
