package store

import (
	"context"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

// seedCredential inserts a minimal credential row for (user, provider).
func seedCredential(t *testing.T, s *Store, ctx context.Context, userID, provider string) {
	t.Helper()
	err := s.UpsertCredential(ctx, &Credential{
		UserID:           userID,
		Provider:         provider,
		AccessCiphertext: "ct",
		AccessIV:         "iv",
		AccessTag:        "tag",
		KeyID:            "v1",
	})
	if err != nil {
		t.Fatalf("UpsertCredential error: %v", err)
	}
}

// TestValidEntityType tests the entity type whitelist.
func TestValidEntityType(t *testing.T) {
	for _, et := range []EntityType{EntityList, EntityListLabel, EntityTask, EntityLabel} {
		if !ValidEntityType(et) {
			t.Errorf("ValidEntityType(%q) = false, want true", et)
		}
	}
	if ValidEntityType("project") {
		t.Error("ValidEntityType(project) = true, want false")
	}
}

// TestCredentialRoundTrip tests upserting and reading a credential, and that
// a second upsert rotates the ciphertext in place.
func TestCredentialRoundTrip(t *testing.T) {
	s, ctx := mustNewStore(t)

	missing, err := s.GetCredential(ctx, "alice", "todoist")
	if err != nil {
		t.Fatalf("GetCredential error: %v", err)
	}
	if missing != nil {
		t.Errorf("GetCredential before insert = %v, want nil", missing)
	}

	seedCredential(t, s, ctx, "alice", "todoist")

	got, err := s.GetCredential(ctx, "alice", "todoist")
	if err != nil {
		t.Fatalf("GetCredential error: %v", err)
	}
	if got == nil {
		t.Fatal("GetCredential returned nil after insert")
	}
	if got.AccessCiphertext != "ct" || got.AccessIV != "iv" || got.AccessTag != "tag" || got.KeyID != "v1" {
		t.Errorf("credential = %+v, want stored AEAD triple back", got)
	}
	if got.RefreshCiphertext != "" {
		t.Errorf("RefreshCiphertext = %q, want empty", got.RefreshCiphertext)
	}

	err = s.UpsertCredential(ctx, &Credential{
		UserID:           "alice",
		Provider:         "todoist",
		AccessCiphertext: "ct2",
		AccessIV:         "iv2",
		AccessTag:        "tag2",
		KeyID:            "v2",
	})
	if err != nil {
		t.Fatalf("UpsertCredential rotate error: %v", err)
	}

	rotated, err := s.GetCredential(ctx, "alice", "todoist")
	if err != nil {
		t.Fatalf("GetCredential error: %v", err)
	}
	if rotated.ID != got.ID {
		t.Errorf("rotation created a new row: id %s -> %s", got.ID, rotated.ID)
	}
	if rotated.AccessCiphertext != "ct2" || rotated.KeyID != "v2" {
		t.Errorf("rotated = %+v, want v2 triple", rotated)
	}
}

// TestConnectedUsers tests the daemon's per-provider user sweep.
func TestConnectedUsers(t *testing.T) {
	s, ctx := mustNewStore(t)

	seedCredential(t, s, ctx, "bob", "todoist")
	seedCredential(t, s, ctx, "alice", "todoist")
	seedCredential(t, s, ctx, "carol", "otherapp")

	users, err := s.ConnectedUsers(ctx, "todoist")
	if err != nil {
		t.Fatalf("ConnectedUsers error: %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("ConnectedUsers = %v, want [alice bob]", users)
	}
}

// TestDeleteIntegrationCascades tests that disconnecting removes the
// credential plus all mapping, state, and conflict rows for that scope only.
func TestDeleteIntegrationCascades(t *testing.T) {
	s, ctx := mustNewStore(t)

	seedCredential(t, s, ctx, "alice", "todoist")
	seedCredential(t, s, ctx, "bob", "todoist")
	err := s.UpsertMapping(ctx, &Mapping{
		UserID: "alice", Provider: "todoist", EntityType: EntityList,
		ExternalID: "p1", LocalID: strPtr("l1"),
	})
	if err != nil {
		t.Fatalf("UpsertMapping error: %v", err)
	}
	if _, err := s.TryBeginSync(ctx, "alice", "todoist", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("TryBeginSync error: %v", err)
	}
	if _, err := s.InsertConflict(ctx, &Conflict{
		UserID: "alice", Provider: "todoist", EntityType: EntityTask,
		LocalID: "t1", ExternalID: "r1",
	}); err != nil {
		t.Fatalf("InsertConflict error: %v", err)
	}

	if err := s.DeleteIntegration(ctx, "alice", "todoist"); err != nil {
		t.Fatalf("DeleteIntegration error: %v", err)
	}

	if c, _ := s.GetCredential(ctx, "alice", "todoist"); c != nil {
		t.Error("credential survived DeleteIntegration")
	}
	if ms, _ := s.GetMappings(ctx, "alice", "todoist", ""); len(ms) != 0 {
		t.Errorf("%d mappings survived DeleteIntegration", len(ms))
	}
	if st, _ := s.GetSyncState(ctx, "alice", "todoist"); st != nil {
		t.Error("sync state survived DeleteIntegration")
	}
	if cs, _ := s.ListConflicts(ctx, "alice", "todoist", true); len(cs) != 0 {
		t.Errorf("%d conflicts survived DeleteIntegration", len(cs))
	}

	// Other users keep their rows.
	if c, _ := s.GetCredential(ctx, "bob", "todoist"); c == nil {
		t.Error("bob's credential was deleted too")
	}
}

// TestMappingUpsertAndLookup tests inserting a mapping and both lookup
// directions, including the ignored (nil local id) form.
func TestMappingUpsertAndLookup(t *testing.T) {
	s, ctx := mustNewStore(t)

	err := s.UpsertMapping(ctx, &Mapping{
		UserID: "alice", Provider: "todoist", EntityType: EntityList,
		ExternalID: "p1", LocalID: strPtr("l1"),
	})
	if err != nil {
		t.Fatalf("UpsertMapping error: %v", err)
	}
	err = s.UpsertMapping(ctx, &Mapping{
		UserID: "alice", Provider: "todoist", EntityType: EntityList,
		ExternalID: "p2", LocalID: nil,
	})
	if err != nil {
		t.Fatalf("UpsertMapping(ignored) error: %v", err)
	}

	m, err := s.GetMapping(ctx, "alice", "todoist", EntityList, "p1")
	if err != nil {
		t.Fatalf("GetMapping error: %v", err)
	}
	if m == nil || m.LocalID == nil || *m.LocalID != "l1" {
		t.Errorf("GetMapping(p1) = %+v, want local l1", m)
	}

	ignored, err := s.GetMapping(ctx, "alice", "todoist", EntityList, "p2")
	if err != nil {
		t.Fatalf("GetMapping error: %v", err)
	}
	if ignored == nil || ignored.LocalID != nil {
		t.Errorf("GetMapping(p2) = %+v, want nil LocalID", ignored)
	}

	byLocal, err := s.GetMappingByLocal(ctx, "alice", "todoist", EntityList, "l1")
	if err != nil {
		t.Fatalf("GetMappingByLocal error: %v", err)
	}
	if byLocal == nil || byLocal.ExternalID != "p1" {
		t.Errorf("GetMappingByLocal(l1) = %+v, want external p1", byLocal)
	}

	none, err := s.GetMapping(ctx, "alice", "todoist", EntityList, "p9")
	if err != nil {
		t.Fatalf("GetMapping(p9) error: %v", err)
	}
	if none != nil {
		t.Errorf("GetMapping(p9) = %+v, want nil", none)
	}
}

// TestMappingUpsertRefreshes tests that a second upsert updates the local id
// and sync bookkeeping on the existing row.
func TestMappingUpsertRefreshes(t *testing.T) {
	s, ctx := mustNewStore(t)

	err := s.UpsertMapping(ctx, &Mapping{
		UserID: "alice", Provider: "todoist", EntityType: EntityTask,
		ExternalID: "r1", LocalID: strPtr("t1"),
	})
	if err != nil {
		t.Fatalf("UpsertMapping error: %v", err)
	}

	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = s.UpsertMapping(ctx, &Mapping{
		UserID: "alice", Provider: "todoist", EntityType: EntityTask,
		ExternalID: "r1", LocalID: strPtr("t1"),
		DuePrecision: PrecisionDay, LastSyncedAt: &synced,
	})
	if err != nil {
		t.Fatalf("UpsertMapping refresh error: %v", err)
	}

	m, err := s.GetMapping(ctx, "alice", "todoist", EntityTask, "r1")
	if err != nil {
		t.Fatalf("GetMapping error: %v", err)
	}
	if m.DuePrecision != PrecisionDay {
		t.Errorf("DuePrecision = %q, want %q", m.DuePrecision, PrecisionDay)
	}
	if m.LastSyncedAt == nil || !m.LastSyncedAt.Equal(synced) {
		t.Errorf("LastSyncedAt = %v, want %v", m.LastSyncedAt, synced)
	}

	all, err := s.GetMappings(ctx, "alice", "todoist", EntityTask)
	if err != nil {
		t.Fatalf("GetMappings error: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("refresh duplicated the row: %d rows", len(all))
	}
}

// TestReplaceMappings tests the full-set replace, including re-pointing a
// local id from one external id to another in a single call.
func TestReplaceMappings(t *testing.T) {
	s, ctx := mustNewStore(t)

	initial := []Mapping{
		{ExternalID: "p1", LocalID: strPtr("l1")},
		{ExternalID: "p2", LocalID: nil},
		{ExternalID: "p3", LocalID: strPtr("l3")},
	}
	for i := range initial {
		initial[i].UserID = "alice"
		initial[i].Provider = "todoist"
		initial[i].EntityType = EntityList
	}
	if err := s.ReplaceMappings(ctx, "alice", "todoist", EntityList, initial); err != nil {
		t.Fatalf("ReplaceMappings error: %v", err)
	}

	// p3 drops out and l1 moves from p1 to p2.
	next := []Mapping{
		{ExternalID: "p1", LocalID: nil},
		{ExternalID: "p2", LocalID: strPtr("l1")},
	}
	if err := s.ReplaceMappings(ctx, "alice", "todoist", EntityList, next); err != nil {
		t.Fatalf("ReplaceMappings re-point error: %v", err)
	}

	rows, err := s.GetMappings(ctx, "alice", "todoist", EntityList)
	if err != nil {
		t.Fatalf("GetMappings error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("GetMappings returned %d rows, want 2", len(rows))
	}
	if rows[0].ExternalID != "p1" || rows[0].LocalID != nil {
		t.Errorf("p1 row = %+v, want ignored", rows[0])
	}
	if rows[1].ExternalID != "p2" || rows[1].LocalID == nil || *rows[1].LocalID != "l1" {
		t.Errorf("p2 row = %+v, want local l1", rows[1])
	}
}

// TestReplaceMappingsEmptyClears tests that an empty set removes every row of
// that entity type and leaves other types alone.
func TestReplaceMappingsEmptyClears(t *testing.T) {
	s, ctx := mustNewStore(t)

	err := s.UpsertMapping(ctx, &Mapping{
		UserID: "alice", Provider: "todoist", EntityType: EntityList,
		ExternalID: "p1", LocalID: strPtr("l1"),
	})
	if err != nil {
		t.Fatalf("UpsertMapping error: %v", err)
	}
	err = s.UpsertMapping(ctx, &Mapping{
		UserID: "alice", Provider: "todoist", EntityType: EntityLabel,
		ExternalID: "lbl1", LocalID: strPtr("lab1"),
	})
	if err != nil {
		t.Fatalf("UpsertMapping error: %v", err)
	}

	if err := s.ReplaceMappings(ctx, "alice", "todoist", EntityList, nil); err != nil {
		t.Fatalf("ReplaceMappings(empty) error: %v", err)
	}

	lists, err := s.GetMappings(ctx, "alice", "todoist", EntityList)
	if err != nil {
		t.Fatalf("GetMappings error: %v", err)
	}
	if len(lists) != 0 {
		t.Errorf("list mappings survived the clear: %v", lists)
	}

	labels, err := s.GetMappings(ctx, "alice", "todoist", EntityLabel)
	if err != nil {
		t.Fatalf("GetMappings error: %v", err)
	}
	if len(labels) != 1 {
		t.Errorf("label mappings = %d rows, want 1 untouched", len(labels))
	}
}

// TestTryBeginSyncExcludes tests that only one pass can hold the syncing
// state at a time and that finishing releases it.
func TestTryBeginSyncExcludes(t *testing.T) {
	s, ctx := mustNewStore(t)
	stale := time.Now().Add(-time.Hour)

	ok, err := s.TryBeginSync(ctx, "alice", "todoist", stale)
	if err != nil {
		t.Fatalf("TryBeginSync error: %v", err)
	}
	if !ok {
		t.Fatal("first TryBeginSync = false, want true")
	}

	ok, err = s.TryBeginSync(ctx, "alice", "todoist", stale)
	if err != nil {
		t.Fatalf("TryBeginSync error: %v", err)
	}
	if ok {
		t.Error("second TryBeginSync = true while held, want false")
	}

	// A different user is independent.
	ok, err = s.TryBeginSync(ctx, "bob", "todoist", stale)
	if err != nil {
		t.Fatalf("TryBeginSync(bob) error: %v", err)
	}
	if !ok {
		t.Error("TryBeginSync(bob) = false, want true")
	}

	if err := s.FinishSync(ctx, "alice", "todoist", ""); err != nil {
		t.Fatalf("FinishSync error: %v", err)
	}

	st, err := s.GetSyncState(ctx, "alice", "todoist")
	if err != nil {
		t.Fatalf("GetSyncState error: %v", err)
	}
	if st.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", st.Status)
	}
	if st.LastSyncedAt == nil {
		t.Error("LastSyncedAt = nil after successful finish")
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q, want empty", st.LastError)
	}

	ok, err = s.TryBeginSync(ctx, "alice", "todoist", stale)
	if err != nil {
		t.Fatalf("TryBeginSync error: %v", err)
	}
	if !ok {
		t.Error("TryBeginSync after finish = false, want true")
	}
}

// TestTryBeginSyncStaleTakeover tests that a wedged syncing row older than
// the cutoff is taken over.
func TestTryBeginSyncStaleTakeover(t *testing.T) {
	s, ctx := mustNewStore(t)

	ok, err := s.TryBeginSync(ctx, "alice", "todoist", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("TryBeginSync error: %v", err)
	}
	if !ok {
		t.Fatal("first TryBeginSync = false, want true")
	}

	// A cutoff in the future makes the held row look wedged.
	ok, err = s.TryBeginSync(ctx, "alice", "todoist", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("TryBeginSync takeover error: %v", err)
	}
	if !ok {
		t.Error("stale takeover = false, want true")
	}
}

// TestFinishSyncError tests the error arm of FinishSync and that an errored
// state does not block the next pass.
func TestFinishSyncError(t *testing.T) {
	s, ctx := mustNewStore(t)
	stale := time.Now().Add(-time.Hour)

	if _, err := s.TryBeginSync(ctx, "alice", "todoist", stale); err != nil {
		t.Fatalf("TryBeginSync error: %v", err)
	}
	if err := s.FinishSync(ctx, "alice", "todoist", "remote unreachable"); err != nil {
		t.Fatalf("FinishSync error: %v", err)
	}

	st, err := s.GetSyncState(ctx, "alice", "todoist")
	if err != nil {
		t.Fatalf("GetSyncState error: %v", err)
	}
	if st.Status != StatusError {
		t.Errorf("Status = %q, want error", st.Status)
	}
	if st.LastError != "remote unreachable" {
		t.Errorf("LastError = %q, want the message", st.LastError)
	}
	if st.LastSyncedAt != nil {
		t.Errorf("LastSyncedAt = %v, want nil after a failed-only history", st.LastSyncedAt)
	}

	ok, err := s.TryBeginSync(ctx, "alice", "todoist", stale)
	if err != nil {
		t.Fatalf("TryBeginSync error: %v", err)
	}
	if !ok {
		t.Error("TryBeginSync after error = false, want true")
	}
}

// TestGetSyncStateMissing tests the never-synced case.
func TestGetSyncStateMissing(t *testing.T) {
	s, ctx := mustNewStore(t)

	st, err := s.GetSyncState(ctx, "alice", "todoist")
	if err != nil {
		t.Fatalf("GetSyncState error: %v", err)
	}
	if st != nil {
		t.Errorf("GetSyncState = %+v, want nil before any pass", st)
	}
}

// TestConflictLifecycle tests insert, duplicate detection, listing, and the
// single-shot resolve transition.
func TestConflictLifecycle(t *testing.T) {
	s, ctx := mustNewStore(t)

	c, err := s.InsertConflict(ctx, &Conflict{
		UserID: "alice", Provider: "todoist", EntityType: EntityTask,
		LocalID: "t1", ExternalID: "r1",
	})
	if err != nil {
		t.Fatalf("InsertConflict error: %v", err)
	}
	if c.ID == "" || c.Status != ConflictPending {
		t.Errorf("inserted = %+v, want pending with id", c)
	}

	dup, err := s.HasPendingConflict(ctx, "alice", "todoist", EntityTask, "t1", "r1")
	if err != nil {
		t.Fatalf("HasPendingConflict error: %v", err)
	}
	if !dup {
		t.Error("HasPendingConflict = false for an existing pending conflict")
	}

	pending, err := s.ListConflicts(ctx, "alice", "todoist", false)
	if err != nil {
		t.Fatalf("ListConflicts error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("ListConflicts = %d rows, want 1", len(pending))
	}

	ok, err := s.MarkConflictResolved(ctx, c.ID, ResolutionLocal)
	if err != nil {
		t.Fatalf("MarkConflictResolved error: %v", err)
	}
	if !ok {
		t.Fatal("MarkConflictResolved = false on a pending conflict")
	}

	ok, err = s.MarkConflictResolved(ctx, c.ID, ResolutionRemote)
	if err != nil {
		t.Fatalf("MarkConflictResolved error: %v", err)
	}
	if ok {
		t.Error("second MarkConflictResolved = true, want false")
	}

	resolved, err := s.GetConflict(ctx, "alice", c.ID)
	if err != nil {
		t.Fatalf("GetConflict error: %v", err)
	}
	if resolved.Status != ConflictResolved || resolved.Resolution != ResolutionLocal {
		t.Errorf("resolved = %+v, want resolved/local kept", resolved)
	}
	if resolved.ResolvedAt == nil {
		t.Error("ResolvedAt = nil after resolve")
	}

	pending, err = s.ListConflicts(ctx, "alice", "todoist", false)
	if err != nil {
		t.Fatalf("ListConflicts error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending list = %d rows after resolve, want 0", len(pending))
	}

	all, err := s.ListConflicts(ctx, "alice", "todoist", true)
	if err != nil {
		t.Fatalf("ListConflicts(all) error: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("all list = %d rows, want 1", len(all))
	}

	dup, err = s.HasPendingConflict(ctx, "alice", "todoist", EntityTask, "t1", "r1")
	if err != nil {
		t.Fatalf("HasPendingConflict error: %v", err)
	}
	if dup {
		t.Error("HasPendingConflict = true after resolve, want false")
	}
}

// TestGetConflictScoped tests that conflicts are invisible across users.
func TestGetConflictScoped(t *testing.T) {
	s, ctx := mustNewStore(t)

	c, err := s.InsertConflict(ctx, &Conflict{
		UserID: "alice", Provider: "todoist", EntityType: EntityTask,
		LocalID: "t1", ExternalID: "r1",
	})
	if err != nil {
		t.Fatalf("InsertConflict error: %v", err)
	}

	got, err := s.GetConflict(ctx, "bob", c.ID)
	if err != nil {
		t.Fatalf("GetConflict error: %v", err)
	}
	if got != nil {
		t.Errorf("bob can read alice's conflict: %+v", got)
	}
}
