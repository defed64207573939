package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"homescout/internal/api"
	"homescout/internal/localstore"
)

type fakeBackend struct {
	mu         sync.Mutex
	migrations []api.MigrateSessionRequest
	migrateErr error
	syncs      [][]string
	syncErr    error
}

func (f *fakeBackend) MigrateSession(ctx context.Context, req api.MigrateSessionRequest) (*api.MigrationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.migrations = append(f.migrations, req)
	if f.migrateErr != nil {
		return nil, f.migrateErr
	}
	return &api.MigrationResult{Success: true, MigratedItems: []string{"savedProperties", "chatHistory"}}, nil
}

func (f *fakeBackend) SyncSavedProperties(ctx context.Context, sessionID string, propertyIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, append([]string{sessionID}, propertyIDs...))
	return f.syncErr
}

func (f *fakeBackend) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncs)
}

func newTestService(t *testing.T) (*Service, *fakeBackend, *localstore.MemoryStore) {
	t.Helper()
	store := localstore.NewMemoryStore()
	backend := &fakeBackend{}
	s := NewService(store, backend, Options{})
	t.Cleanup(s.Dispose)
	return s, backend, store
}

func TestSessionIDIsStableAndPersisted(t *testing.T) {
	s, _, store := newTestService(t)

	id := s.GetCurrentSessionID()
	if len(id) != 36 {
		t.Fatalf("session id %q should be a 36 char UUID", id)
	}
	if again := s.GetCurrentSessionID(); again != id {
		t.Fatalf("GetCurrentSessionID() = %q, want stable %q", again, id)
	}
	if persisted, _, _ := store.Get(localstore.KeySessionID); persisted != id {
		t.Fatalf("persisted id = %q, want %q", persisted, id)
	}

	// Outra instância sobre o mesmo armazenamento vê o mesmo id
	other := NewService(store, &fakeBackend{}, Options{})
	if got := other.GetCurrentSessionID(); got != id {
		t.Fatalf("second instance id = %q, want %q", got, id)
	}

	fresh := s.CreateNewSession()
	if fresh == id || s.GetCurrentSessionID() != fresh {
		t.Fatalf("CreateNewSession() should replace the id")
	}
}

func TestSavedPropertiesSetSemantics(t *testing.T) {
	s, _, _ := newTestService(t)

	var mu sync.Mutex
	var updates [][]string
	s.PropertiesUpdated.Subscribe(func(ids []string) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, ids)
	})

	for _, id := range []string{"p1", "p2", "p1"} {
		if err := s.AddSavedProperty(id); err != nil {
			t.Fatalf("AddSavedProperty(%s) error = %v", id, err)
		}
	}
	if got := s.GetSavedProperties(); !reflect.DeepEqual(got, []string{"p1", "p2"}) {
		t.Fatalf("GetSavedProperties() = %v", got)
	}
	if !s.IsPropertySaved("p2") || s.IsPropertySaved("p9") {
		t.Fatalf("IsPropertySaved() mismatch")
	}

	if err := s.RemoveSavedProperty("p9"); err != nil {
		t.Fatalf("RemoveSavedProperty(missing) error = %v", err)
	}
	if err := s.RemoveSavedProperty("p1"); err != nil {
		t.Fatalf("RemoveSavedProperty() error = %v", err)
	}
	if got := s.GetSavedProperties(); !reflect.DeepEqual(got, []string{"p2"}) {
		t.Fatalf("after remove = %v", got)
	}

	if err := s.UpdateSavedProperties([]string{"a", "b", "a", ""}); err != nil {
		t.Fatalf("UpdateSavedProperties() error = %v", err)
	}
	if got := s.GetSavedProperties(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("after update = %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	// p1, p2, remove p1, update; duplicates and missing ids publish nothing
	if len(updates) != 4 {
		t.Fatalf("updates = %v, want 4 events", updates)
	}
	if !reflect.DeepEqual(updates[len(updates)-1], []string{"a", "b"}) {
		t.Fatalf("last update = %v", updates[len(updates)-1])
	}
}

func TestCorruptSavedPropertiesReadAsEmpty(t *testing.T) {
	s, _, store := newTestService(t)
	if err := store.Set(localstore.KeySavedProperties, "[not json"); err != nil {
		t.Fatal(err)
	}

	if got := s.GetSavedProperties(); len(got) != 0 {
		t.Fatalf("GetSavedProperties() = %v, want empty", got)
	}
	if err := s.AddSavedProperty("p1"); err != nil {
		t.Fatalf("AddSavedProperty() error = %v", err)
	}
	if got := s.GetSavedProperties(); !reflect.DeepEqual(got, []string{"p1"}) {
		t.Fatalf("GetSavedProperties() = %v", got)
	}
}

func TestHasDataToMigrate(t *testing.T) {
	s, _, _ := newTestService(t)

	if s.HasDataToMigrate() {
		t.Fatalf("fresh store should have nothing to migrate")
	}
	s.GetCurrentSessionID()
	if !s.HasDataToMigrate() {
		t.Fatalf("an existing session should be migratable")
	}
}

func TestAnonymousUserDataSnapshot(t *testing.T) {
	s, _, _ := newTestService(t)
	_ = s.AddSavedProperty("p1")

	data := s.GetAnonymousUserData()
	if data.SessionID == "" || !reflect.DeepEqual(data.SavedProperties, []string{"p1"}) {
		t.Fatalf("unexpected snapshot: %+v", data)
	}
	if data.ChatHistory == nil || data.Preferences == nil || data.SearchHistory == nil {
		t.Fatalf("history fields should be empty, not nil: %+v", data)
	}
}

func TestMigrateToUserPublishesCompletion(t *testing.T) {
	s, backend, _ := newTestService(t)
	id := s.GetCurrentSessionID()
	_ = s.AddSavedProperty("p1")

	var got []api.MigrationResult
	unsubscribe := s.SubscribeMigrationCompleted(func(r api.MigrationResult) { got = append(got, r) })
	defer unsubscribe()

	res, err := s.MigrateToUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("MigrateToUser() error = %v", err)
	}
	if res == nil || !res.Success {
		t.Fatalf("MigrateToUser() = %+v", res)
	}
	if len(backend.migrations) != 1 || backend.migrations[0].SessionID != id {
		t.Fatalf("unexpected migration requests: %+v", backend.migrations)
	}
	if lp := backend.migrations[0].LocalData; lp == nil || !reflect.DeepEqual(lp.SavedProperties, []string{"p1"}) {
		t.Fatalf("local data not sent: %+v", lp)
	}
	if len(got) != 1 {
		t.Fatalf("MigrationCompleted events = %d, want 1", len(got))
	}

	s.CleanupAnonymousData()
	if len(s.GetSavedProperties()) != 0 {
		t.Fatalf("saved properties should be cleared")
	}
	if s.GetCurrentSessionID() != id {
		t.Fatalf("session id must survive cleanup")
	}
}

func TestMigrateToUserFailureIsReturned(t *testing.T) {
	s, backend, _ := newTestService(t)
	s.GetCurrentSessionID()
	backend.migrateErr = errors.New("503")

	published := 0
	s.MigrationCompleted.Subscribe(func(api.MigrationResult) { published++ })

	if _, err := s.MigrateToUser(context.Background(), "user-1"); err == nil {
		t.Fatalf("expected migration error")
	}
	if published != 0 {
		t.Fatalf("failed migration must not publish completion")
	}
}

func TestMigrateToUserWithoutSession(t *testing.T) {
	s, backend, _ := newTestService(t)

	res, err := s.MigrateToUser(context.Background(), "user-1")
	if err != nil || res != nil {
		t.Fatalf("MigrateToUser() = %v, %v; want nil, nil", res, err)
	}
	if len(backend.migrations) != 0 {
		t.Fatalf("backend should not be called")
	}
}

func TestSyncWithBackendIsBestEffort(t *testing.T) {
	s, backend, _ := newTestService(t)

	s.SyncWithBackend(context.Background())
	if backend.syncCount() != 0 {
		t.Fatalf("nothing to sync should skip the request")
	}

	_ = s.AddSavedProperty("p1")
	backend.syncErr = errors.New("offline")
	s.SyncWithBackend(context.Background())
	if backend.syncCount() != 1 {
		t.Fatalf("sync count = %d, want 1", backend.syncCount())
	}
	if got := s.GetSavedProperties(); !reflect.DeepEqual(got, []string{"p1"}) {
		t.Fatalf("failed sync must not touch local data: %v", got)
	}
}

func TestInitializeSchedulesPeriodicSync(t *testing.T) {
	store := localstore.NewMemoryStore()
	backend := &fakeBackend{}
	s := NewService(store, backend, Options{SyncSchedule: "@every 1s"})
	defer s.Dispose()
	_ = s.AddSavedProperty("p1")

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for backend.syncCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("periodic sync never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.Dispose()
	after := backend.syncCount()
	time.Sleep(1500 * time.Millisecond)
	if backend.syncCount() != after {
		t.Fatalf("sync kept running after Dispose()")
	}
}

func TestInitializeRejectsBadSchedule(t *testing.T) {
	s := NewService(localstore.NewMemoryStore(), &fakeBackend{}, Options{SyncSchedule: "every now and then"})
	if err := s.Initialize(); err == nil {
		t.Fatalf("expected schedule error")
	}
}
