package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/pool"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/vector"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeEmbedder struct {
	dim  int
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("%w: embed backend offline", types.ErrProviderTransient)
	}
	return make([]float32, f.dim), nil
}

type fakeIndex struct {
	mu       sync.Mutex
	fail     bool
	points   map[string]vector.Point
	deleted  []string
	inactive []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: make(map[string]vector.Point)}
}

func (f *fakeIndex) Upsert(ctx context.Context, points []vector.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("%w: vector store unreachable", types.ErrProviderTransient)
	}
	for _, p := range points {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeIndex) Delete(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeIndex) SetActive(ctx context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !active {
		f.inactive = append(f.inactive, id)
	}
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeIndex, *fakeEmbedder) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "memd.db")
	p, err := pool.Open(pool.Config{
		DSN:            dsn,
		MaxConnections: 4,
		MinConnections: 1,
		AcquireTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("pool.Open failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	idx := newFakeIndex()
	emb := &fakeEmbedder{dim: 4}
	s, err := New(p, idx, emb)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	return s, idx, emb
}

func testUnit(project, content string) *types.MemoryUnit {
	return &types.MemoryUnit{
		ID:        "u-" + types.ContentHash(content)[:8],
		ProjectID: project,
		UnitType:  types.UnitConversation,
		Title:     "t",
		Summary:   "s",
		Content:   content,
		Keywords:  []string{"alpha", "beta"},
	}
}

func mustProject(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, err := s.EnsureProject(context.Background(), id, id); err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}
}

// =============================================================================
// DUAL WRITE
// =============================================================================

func TestStoreMemoryUnitWritesBothHalves(t *testing.T) {
	s, idx, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	unit := testUnit("p1", "the content")
	id, err := s.StoreMemoryUnit(ctx, unit)
	if err != nil {
		t.Fatalf("StoreMemoryUnit failed: %v", err)
	}
	if id != unit.ID {
		t.Errorf("expected id %s, got %s", unit.ID, id)
	}

	got, err := s.GetUnit(ctx, id)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if !got.IsActive || got.Content != "the content" {
		t.Errorf("unexpected unit: %+v", got)
	}
	if len(got.Keywords) != 2 {
		t.Errorf("expected keywords to round-trip, got %v", got.Keywords)
	}

	if _, ok := idx.points[id]; !ok {
		t.Error("expected vector point to be upserted")
	}
	payload := idx.points[id].Payload
	if payload["project_id"] != "p1" || payload["title"] != "t" {
		t.Errorf("unexpected payload: %v", payload)
	}
	if _, ok := payload["conversation_id"]; !ok {
		t.Error("payload must carry conversation_id")
	}
	kws, ok := payload["keywords"].([]string)
	if !ok || len(kws) != 2 {
		t.Errorf("payload must carry normalized keywords, got %v", payload["keywords"])
	}
}

func TestStoreMemoryUnitRejectsMissingConversation(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	orphan := testUnit("p1", "points at nothing")
	orphan.ConversationID = "c-ghost"
	if _, err := s.StoreMemoryUnit(ctx, orphan); !errors.Is(err, types.ErrParentMissing) {
		t.Fatalf("expected ErrParentMissing, got %v", err)
	}
	if _, err := s.GetUnit(ctx, orphan.ID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("rejected unit must not be persisted, got %v", err)
	}

	// A unit whose conversation exists stores normally.
	conv := &types.Conversation{ID: "c1", ProjectID: "p1"}
	if err := s.StoreConversationBatch(ctx, conv, batchMessages(1)); err != nil {
		t.Fatal(err)
	}
	linked := testUnit("p1", "points at c1")
	linked.ConversationID = "c1"
	if _, err := s.StoreMemoryUnit(ctx, linked); err != nil {
		t.Fatalf("expected linked unit to store, got %v", err)
	}
}

func TestStoreMemoryUnitDeduplicatesByHash(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	unit := testUnit("p1", "same thing")
	first, err := s.StoreMemoryUnit(ctx, unit)
	if err != nil {
		t.Fatal(err)
	}

	dup := testUnit("p1", "same   thing") // normalizes to the same hash
	dup.ID = "u-different"
	second, err := s.StoreMemoryUnit(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate store failed: %v", err)
	}
	if second != first {
		t.Errorf("expected dedup to return %s, got %s", first, second)
	}
}

func TestStoreMemoryUnitPartialWriteFlagsRepair(t *testing.T) {
	s, idx, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")
	idx.fail = true

	var scheduled []string
	s.SetRepairScheduler(func(ctx context.Context, unitID string) {
		scheduled = append(scheduled, unitID)
	})

	unit := testUnit("p1", "will go partial")
	id, err := s.StoreMemoryUnit(ctx, unit)
	if !errors.Is(err, types.ErrStorePartial) {
		t.Fatalf("expected ErrStorePartial, got %v", err)
	}
	if id != unit.ID {
		t.Errorf("partial write must still return the unit id, got %q", id)
	}
	if len(scheduled) != 1 || scheduled[0] != id {
		t.Errorf("expected repair to be scheduled for %s, got %v", id, scheduled)
	}

	got, err := s.GetUnit(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Error("partial unit must be inactive")
	}

	pending, err := s.RepairPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != id {
		t.Errorf("expected pending repair %s, got %v", id, pending)
	}

	// Repair succeeds once the index recovers.
	idx.fail = false
	if err := s.RepairUnit(ctx, id); err != nil {
		t.Fatalf("RepairUnit failed: %v", err)
	}
	got, _ = s.GetUnit(ctx, id)
	if !got.IsActive {
		t.Error("repaired unit must be active")
	}
	if _, ok := idx.points[id]; !ok {
		t.Error("repaired unit must have a vector point")
	}
	if pending, _ := s.RepairPending(ctx, 10); len(pending) != 0 {
		t.Errorf("expected no pending repairs, got %v", pending)
	}
}

func TestStoreMemoryUnitRejectsInvalidInput(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	cases := []*types.MemoryUnit{
		{ProjectID: "p", UnitType: types.UnitGlobal, Content: "c"},  // no id
		{ID: "u", UnitType: types.UnitGlobal, Content: "c"},         // no project
		{ID: "u", ProjectID: "p", UnitType: types.UnitGlobal},       // no content
		{ID: "u", ProjectID: "p", UnitType: "banana", Content: "c"}, // bad type
	}
	for i, u := range cases {
		if _, err := s.StoreMemoryUnit(ctx, u); !errors.Is(err, types.ErrInputInvalid) {
			t.Errorf("case %d: expected ErrInputInvalid, got %v", i, err)
		}
	}
}

// =============================================================================
// EXPIRY AND DEACTIVATION
// =============================================================================

func TestPurgeExpired(t *testing.T) {
	s, idx, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	past := time.Now().UTC().Add(-time.Hour)
	expired := testUnit("p1", "old news")
	expired.ExpiresAt = &past
	if _, err := s.StoreMemoryUnit(ctx, expired); err != nil {
		t.Fatal(err)
	}
	fresh := testUnit("p1", "still good")
	if _, err := s.StoreMemoryUnit(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged unit, got %d", n)
	}

	got, _ := s.GetUnit(ctx, expired.ID)
	if got.IsActive {
		t.Error("expired unit must be inactive")
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != expired.ID {
		t.Errorf("expected vector point deleted, got %v", idx.deleted)
	}
	if got, _ := s.GetUnit(ctx, fresh.ID); !got.IsActive {
		t.Error("unexpired unit must stay active")
	}
}

func TestDeactivateUnit(t *testing.T) {
	s, idx, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	unit := testUnit("p1", "to deactivate")
	if _, err := s.StoreMemoryUnit(ctx, unit); err != nil {
		t.Fatal(err)
	}
	if err := s.DeactivateUnit(ctx, unit.ID); err != nil {
		t.Fatalf("DeactivateUnit failed: %v", err)
	}
	got, _ := s.GetUnit(ctx, unit.ID)
	if got.IsActive {
		t.Error("unit must be inactive")
	}
	if len(idx.inactive) != 1 {
		t.Errorf("expected vector point flagged inactive, got %v", idx.inactive)
	}

	if err := s.DeactivateUnit(ctx, "nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func batchMessages(n int) []types.Message {
	msgs := make([]types.Message, n)
	for i := range msgs {
		role := types.RoleHuman
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		msgs[i] = types.Message{Role: role, Content: fmt.Sprintf("message %d", i), TokenCount: 5}
	}
	return msgs
}

func TestStoreConversationBatchAssignsDenseSequence(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	conv := &types.Conversation{ID: "c1", ProjectID: "p1", Title: "first"}
	if err := s.StoreConversationBatch(ctx, conv, batchMessages(3)); err != nil {
		t.Fatalf("StoreConversationBatch failed: %v", err)
	}
	// Second batch continues the sequence.
	if err := s.StoreConversationBatch(ctx, conv, batchMessages(2)); err != nil {
		t.Fatalf("second batch failed: %v", err)
	}

	msgs, err := s.GetConversationMessages(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.SequenceNumber != i {
			t.Errorf("message %d has sequence %d", i, m.SequenceNumber)
		}
		if m.ContentHash == "" {
			t.Errorf("message %d missing content hash", i)
		}
	}

	got, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 5 || got.TokenCount != 25 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.Status != types.StatusPending {
		t.Errorf("expected pending status, got %s", got.Status)
	}
}

func TestStoreConversationBatchRejectsBadRole(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	conv := &types.Conversation{ID: "c1", ProjectID: "p1"}
	msgs := []types.Message{{Role: "wizard", Content: "hi"}}
	if err := s.StoreConversationBatch(ctx, conv, msgs); !errors.Is(err, types.ErrInputInvalid) {
		t.Fatalf("expected ErrInputInvalid, got %v", err)
	}
	// Nothing persisted.
	if _, err := s.GetConversation(ctx, "c1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected conversation to be absent, got %v", err)
	}
}

func TestStoreConversationBatchRejectsUnknownProject(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	conv := &types.Conversation{ID: "c1", ProjectID: "p-ghost"}
	err := s.StoreConversationBatch(ctx, conv, batchMessages(1))
	if !errors.Is(err, types.ErrParentMissing) {
		t.Fatalf("expected ErrParentMissing, got %v", err)
	}
	if _, err := s.GetConversation(ctx, "c1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected conversation to be absent, got %v", err)
	}
}

func TestGetRecentConversations(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	older := &types.Conversation{
		ID: "c-old", ProjectID: "p1", Title: "old",
		LastActivityAt: time.Now().UTC().Add(-time.Hour),
	}
	newer := &types.Conversation{
		ID: "c-new", ProjectID: "p1", Title: "new",
		LastActivityAt: time.Now().UTC(),
	}
	if err := s.StoreConversationBatch(ctx, older, batchMessages(2)); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreConversationBatch(ctx, newer, batchMessages(1)); err != nil {
		t.Fatal(err)
	}

	recent, err := s.GetRecentConversations(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("GetRecentConversations failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(recent))
	}
	if recent[0].ID != "c-new" {
		t.Errorf("expected newest first, got %s", recent[0].ID)
	}
	if recent[0].LastMessage != "message 0" {
		t.Errorf("unexpected preview: %q", recent[0].LastMessage)
	}
	if recent[0].ProjectName != "p1" {
		t.Errorf("unexpected project name: %q", recent[0].ProjectName)
	}
}

func TestConversationStatusLifecycle(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	conv := &types.Conversation{ID: "c1", ProjectID: "p1"}
	if err := s.StoreConversationBatch(ctx, conv, batchMessages(1)); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingConversations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != "c1" {
		t.Fatalf("expected c1 pending, got %v", pending)
	}

	if err := s.SetConversationStatus(ctx, "c1", types.StatusCompressed); err != nil {
		t.Fatal(err)
	}
	if pending, _ := s.PendingConversations(ctx, 10); len(pending) != 0 {
		t.Errorf("expected no pending conversations, got %v", pending)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

func TestKeywordSearchMatchesAndReportsTerms(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")
	mustProject(t, s, "p2")

	a := testUnit("p1", "we decided to use postgres for billing")
	b := testUnit("p1", "frontend uses react components")
	other := testUnit("p2", "postgres elsewhere")
	for _, u := range []*types.MemoryUnit{a, b, other} {
		if _, err := s.StoreMemoryUnit(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.SearchUnitsByKeywords(ctx, "p1", []string{"postgres", "billing"}, 10)
	if err != nil {
		t.Fatalf("SearchUnitsByKeywords failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Unit.ID != a.ID {
		t.Errorf("unexpected hit %s", hits[0].Unit.ID)
	}
	if len(hits[0].Matched) != 2 {
		t.Errorf("expected both terms matched, got %v", hits[0].Matched)
	}
}

func TestSearchMessagesLikeFindsUnitsByTranscript(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	conv := &types.Conversation{ID: "c1", ProjectID: "p1"}
	msgs := []types.Message{
		{Role: types.RoleHuman, Content: "should we switch the queue to rabbitmq?"},
		{Role: types.RoleAssistant, Content: "yes, the broker change ships next sprint"},
	}
	if err := s.StoreConversationBatch(ctx, conv, msgs); err != nil {
		t.Fatal(err)
	}

	// The unit body never mentions the broker; only the transcript does.
	linked := testUnit("p1", "agreed on the messaging migration plan")
	linked.ConversationID = "c1"
	if _, err := s.StoreMemoryUnit(ctx, linked); err != nil {
		t.Fatal(err)
	}
	loose := testUnit("p1", "unrelated note with no conversation")
	if _, err := s.StoreMemoryUnit(ctx, loose); err != nil {
		t.Fatal(err)
	}

	hits, err := s.SearchMessagesLike(ctx, "p1", []string{"rabbitmq", "kafka"}, 10)
	if err != nil {
		t.Fatalf("SearchMessagesLike failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Unit.ID != linked.ID {
		t.Errorf("unexpected hit %s", hits[0].Unit.ID)
	}
	if len(hits[0].Matched) != 1 || hits[0].Matched[0] != "rabbitmq" {
		t.Errorf("expected only the transcript term to match, got %v", hits[0].Matched)
	}

	if hits, _ := s.SearchMessagesLike(ctx, "p1", []string{"nonexistent"}, 10); len(hits) != 0 {
		t.Errorf("expected no hits, got %d", len(hits))
	}
}

func TestExpiredUnitsHiddenFromReads(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	past := time.Now().UTC().Add(-time.Minute)
	expired := testUnit("p1", "stale postgres decision")
	expired.ExpiresAt = &past
	if _, err := s.StoreMemoryUnit(ctx, expired); err != nil {
		t.Fatal(err)
	}
	fresh := testUnit("p1", "current postgres decision")
	if _, err := s.StoreMemoryUnit(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	// Even before the purge sweep runs, every read path skips the unit.
	units, err := s.ListUnits(ctx, "p1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || units[0].ID != fresh.ID {
		t.Errorf("ListUnits must hide expired units, got %d", len(units))
	}

	hits, err := s.SearchUnitsByKeywords(ctx, "p1", []string{"postgres"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Unit.ID != fresh.ID {
		t.Errorf("keyword search must hide expired units, got %d hits", len(hits))
	}

	hydrated, err := s.GetUnits(ctx, []string{expired.ID, fresh.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(hydrated) != 1 || hydrated[0].ID != fresh.ID {
		t.Errorf("GetUnits must hide expired units, got %d", len(hydrated))
	}
}

func TestGetUnitsPreservesOrderAndDropsMissing(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	a := testUnit("p1", "unit a")
	b := testUnit("p1", "unit b")
	for _, u := range []*types.MemoryUnit{a, b} {
		if _, err := s.StoreMemoryUnit(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	units, err := s.GetUnits(ctx, []string{b.ID, "ghost", a.ID})
	if err != nil {
		t.Fatalf("GetUnits failed: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].ID != b.ID || units[1].ID != a.ID {
		t.Errorf("order not preserved: %s, %s", units[0].ID, units[1].ID)
	}
}

func TestStats(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "p1")

	conv := &types.Conversation{ID: "c1", ProjectID: "p1"}
	if err := s.StoreConversationBatch(ctx, conv, batchMessages(2)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreMemoryUnit(ctx, testUnit("p1", "counted")); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Projects != 1 || st.Conversations != 1 || st.Messages != 2 || st.ActiveUnits != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}
