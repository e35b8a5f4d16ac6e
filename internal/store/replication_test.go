package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLWWRemoteUpsertWins(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "proj")

	local, err := st.Remember(RememberInput{
		SessionID: sessionID, Kind: KindNote,
		Title: "original title", BodyText: "original body text",
		ImportKey: "K", DeviceID: "device-A",
	})
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}

	// Device B's op: higher rev but older wall clock. Rev dominates.
	op := ReplicationOp{
		OpID: uuid.NewString(), EntityType: "memory_item", EntityID: "K", OpType: OpUpsert,
		Payload: JSONMap{
			"kind": "note", "title": "replaced title", "body_text": "replaced body text",
			"confidence": 1.0, "tags_text": "replaced",
		},
		Clock:     MemoryClock{Rev: 2, UpdatedAt: local.UpdatedAt.Add(-time.Minute), DeviceID: "device-B"},
		DeviceID:  "device-B",
		CreatedAt: time.Now(),
	}
	applied, err := st.ApplyRemoteOp(op, nil, nil)
	if err != nil {
		t.Fatalf("ApplyRemoteOp failed: %v", err)
	}
	if !applied {
		t.Fatal("higher-rev op must apply")
	}

	var body string
	var rev int64
	if err := st.db.QueryRow(`SELECT body_text, rev FROM memory_items WHERE import_key = 'K'`).Scan(&body, &rev); err != nil {
		t.Fatalf("read item: %v", err)
	}
	if body != "replaced body text" {
		t.Errorf("body not replaced: %q", body)
	}
	if rev != 2 {
		t.Errorf("rev should be stored as 2, got %d", rev)
	}

	// Replaying the identical op is a no-op.
	applied, err = st.ApplyRemoteOp(op, nil, nil)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if applied {
		t.Error("identical op applied twice must be dropped")
	}
}

func TestLWWOlderOpDropped(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "proj")

	if _, err := st.Remember(RememberInput{
		SessionID: sessionID, Kind: KindNote,
		Title: "current", BodyText: "current body here",
		ImportKey: "K", DeviceID: "device-A",
	}); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}

	op := ReplicationOp{
		OpID: uuid.NewString(), EntityType: "memory_item", EntityID: "K", OpType: OpUpsert,
		Payload:   JSONMap{"kind": "note", "title": "stale", "body_text": "stale body"},
		Clock:     MemoryClock{Rev: 1, UpdatedAt: time.Now().Add(-time.Hour), DeviceID: "device-B"},
		DeviceID:  "device-B",
		CreatedAt: time.Now(),
	}
	applied, err := st.ApplyRemoteOp(op, nil, nil)
	if err != nil {
		t.Fatalf("ApplyRemoteOp failed: %v", err)
	}
	if applied {
		t.Error("older clock must be dropped")
	}

	var body string
	st.db.QueryRow(`SELECT body_text FROM memory_items WHERE import_key = 'K'`).Scan(&body)
	if body != "current body here" {
		t.Errorf("stale op overwrote body: %q", body)
	}
}

func TestConvergenceAnyOrder(t *testing.T) {
	ops := []ReplicationOp{
		{
			OpID: "op-1", EntityType: "memory_item", EntityID: "K", OpType: OpUpsert,
			Payload: JSONMap{"kind": "note", "title": "v1", "body_text": "version one"},
			Clock:   MemoryClock{Rev: 1, UpdatedAt: time.Unix(1000, 0), DeviceID: "device-A"},
			DeviceID: "device-A", CreatedAt: time.Unix(1000, 0),
		},
		{
			OpID: "op-2", EntityType: "memory_item", EntityID: "K", OpType: OpUpsert,
			Payload: JSONMap{"kind": "note", "title": "v2", "body_text": "version two"},
			Clock:   MemoryClock{Rev: 2, UpdatedAt: time.Unix(2000, 0), DeviceID: "device-B"},
			DeviceID: "device-B", CreatedAt: time.Unix(2000, 0),
		},
		{
			OpID: "op-3", EntityType: "memory_item", EntityID: "K", OpType: OpUpsert,
			Payload: JSONMap{"kind": "note", "title": "v3", "body_text": "version three"},
			Clock:   MemoryClock{Rev: 2, UpdatedAt: time.Unix(1500, 0), DeviceID: "device-C"},
			DeviceID: "device-C", CreatedAt: time.Unix(1500, 0),
		},
	}

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {1, 2, 0}, {0, 2, 1}, {2, 0, 1}}
	var wantTitle string
	for n, order := range orders {
		st := setupTestStore(t)
		for _, i := range order {
			if _, err := st.ApplyRemoteOp(ops[i], nil, nil); err != nil {
				t.Fatalf("order %d: apply op %d failed: %v", n, i, err)
			}
		}
		var title string
		if err := st.db.QueryRow(`SELECT title FROM memory_items WHERE import_key = 'K'`).Scan(&title); err != nil {
			t.Fatalf("order %d: read item: %v", n, err)
		}
		if n == 0 {
			wantTitle = title
		} else if title != wantTitle {
			t.Errorf("order %v converged to %q, first order gave %q", order, title, wantTitle)
		}
	}
	if wantTitle != "v2" {
		t.Errorf("expected the (rev 2, t=2000) writer to win, got %q", wantTitle)
	}
}

func TestSanitizeInboundOp(t *testing.T) {
	now := time.Unix(100000, 0)

	op := ReplicationOp{
		OpID: "op-x", EntityType: "memory_item", EntityID: "legacy:memory_item:42",
		OpType: OpUpsert, Payload: JSONMap{},
		DeviceID:  "claimed-device",
		CreatedAt: now.Add(time.Hour), // implausibly in the future
	}
	out := SanitizeInboundOp(op, "real-sender", now)

	if out.DeviceID != "real-sender" {
		t.Errorf("device_id not replaced: %q", out.DeviceID)
	}
	if !out.CreatedAt.Equal(now) {
		t.Errorf("future created_at not clamped: %v", out.CreatedAt)
	}
	if out.Clock.Rev != 1 {
		t.Errorf("missing rev should default to 1, got %d", out.Clock.Rev)
	}
	if !out.Clock.UpdatedAt.Equal(out.CreatedAt) {
		t.Errorf("missing updated_at should default to created_at")
	}
	if out.Clock.DeviceID != "real-sender" {
		t.Errorf("missing clock device should default to op device, got %q", out.Clock.DeviceID)
	}
	if out.EntityID != "real-sender:legacy-memory-item:42" {
		t.Errorf("legacy import key not canonicalized: %q", out.EntityID)
	}

	// A sane op passes through untouched.
	sane := ReplicationOp{
		OpID: "op-y", EntityType: "memory_item", EntityID: "some-uuid", OpType: OpUpsert,
		Clock:    MemoryClock{Rev: 3, UpdatedAt: now.Add(-time.Minute), DeviceID: "real-sender"},
		DeviceID: "real-sender", CreatedAt: now.Add(-time.Minute),
	}
	if got := SanitizeInboundOp(sane, "real-sender", now); got.EntityID != "some-uuid" || got.Clock.Rev != 3 {
		t.Errorf("sane op was mangled: %+v", got)
	}
}

func TestCursorOrdering(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "proj")

	for i := 0; i < 5; i++ {
		if _, err := st.Remember(RememberInput{
			SessionID: sessionID, Kind: KindNote,
			Title: fmt.Sprintf("note %d", i), BodyText: fmt.Sprintf("body of note %d", i),
			DeviceID: "d",
		}); err != nil {
			t.Fatalf("Remember %d failed: %v", i, err)
		}
	}

	page1, err := st.OpsSinceCursor("", 2)
	if err != nil {
		t.Fatalf("page1 failed: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(page1))
	}
	page2, err := st.OpsSinceCursor(page1[len(page1)-1].Cursor(), 10)
	if err != nil {
		t.Fatalf("page2 failed: %v", err)
	}
	if len(page2) != 3 {
		t.Fatalf("expected 3 remaining ops, got %d", len(page2))
	}

	var prev string
	for _, op := range append(page1, page2...) {
		if c := op.Cursor(); c <= prev {
			t.Errorf("cursor not strictly increasing: %q after %q", c, prev)
		} else {
			prev = c
		}
	}
}

func TestOpsForPeerProjectFilter(t *testing.T) {
	st := setupTestStore(t)
	alphaSession := testSession(t, st, "alpha")
	betaSession := testSession(t, st, "beta")

	if _, err := st.Remember(RememberInput{SessionID: betaSession, Kind: KindNote, Title: "beta note", BodyText: "belongs to beta project", DeviceID: "d"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Remember(RememberInput{SessionID: alphaSession, Kind: KindNote, Title: "alpha note", BodyText: "belongs to alpha project", DeviceID: "d"}); err != nil {
		t.Fatal(err)
	}

	peer := SyncPeer{PeerDeviceID: "peer-1", ProjectFilterInclude: []string{"alpha"}}
	ops, nextCursor, skipped, err := st.OpsForPeer(peer, "", 10)
	if err != nil {
		t.Fatalf("OpsForPeer failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op after filter, got %d", len(ops))
	}
	if got, _ := ops[0].Payload["project"].(string); got != "alpha" {
		t.Errorf("filtered stream leaked project %q", got)
	}
	if skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", skipped)
	}
	if nextCursor == "" {
		t.Error("next cursor must advance past filtered ops")
	}

	// Exclude always wins over include.
	peer = SyncPeer{PeerDeviceID: "peer-2", ProjectFilterInclude: []string{"alpha"}, ProjectFilterExclude: []string{"alpha"}}
	ops, _, skipped, err = st.OpsForPeer(peer, "", 10)
	if err != nil {
		t.Fatalf("OpsForPeer failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("exclude must win, got %d ops", len(ops))
	}
	if skipped != 2 {
		t.Errorf("expected 2 skipped, got %d", skipped)
	}
}

func TestChunkOpsBySize(t *testing.T) {
	big := make([]byte, 400_000)
	for i := range big {
		big[i] = 'x'
	}
	var ops []ReplicationOp
	for i := 0; i < 5; i++ {
		ops = append(ops, ReplicationOp{
			OpID:    fmt.Sprintf("op-%d", i),
			Payload: JSONMap{"body_text": string(big)},
		})
	}

	chunks := ChunkOpsBySize(ops)
	if len(chunks) < 3 {
		t.Fatalf("5 ops of ~400KB must split into >= 3 chunks, got %d", len(chunks))
	}
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
		size := 0
		for _, op := range chunk {
			size += len(marshalJSONMap(op.Payload))
		}
		if size > maxOpBodyBytes {
			t.Errorf("chunk payload size %d exceeds cap", size)
		}
	}
	if total != len(ops) {
		t.Errorf("chunking lost ops: %d of %d", total, len(ops))
	}
}

func TestBackfillReplicationOps(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "proj")

	item, err := st.Remember(RememberInput{SessionID: sessionID, Kind: KindNote, Title: "note", BodyText: "note body text", DeviceID: "d"})
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a pre-op-emission row by clearing the log.
	if _, err := st.db.Exec(`DELETE FROM replication_ops`); err != nil {
		t.Fatal(err)
	}

	report, err := st.BackfillReplicationOps("local-dev")
	if err != nil {
		t.Fatalf("BackfillReplicationOps failed: %v", err)
	}
	if report.Changed != 1 {
		t.Fatalf("expected 1 backfilled op, got %d", report.Changed)
	}

	ops, _ := st.OpsSinceCursor("", 10)
	if len(ops) != 1 || ops[0].EntityID != item.ImportKey {
		t.Errorf("unexpected backfilled ops: %+v", ops)
	}

	// Idempotent: a second run emits nothing.
	report, _ = st.BackfillReplicationOps("local-dev")
	if report.Changed != 0 {
		t.Errorf("second backfill should change nothing, changed %d", report.Changed)
	}
}
