package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := setupTestStore(t)
	sessionID := testSession(t, src, "alpha")

	item, err := src.Remember(RememberInput{
		SessionID: sessionID, Kind: KindDecision,
		Title: "keep sqlite", BodyText: "sqlite stays as the storage engine",
		Facts: []string{"single file"}, Concepts: []string{"storage"},
		FilesRead: []string{"store/sqlite.go"}, DeviceID: "dev-1",
		Metadata: JSONMap{"discovery_group": "S1:p1"},
	})
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if _, err := src.RecordSessionSummary(sessionID, SessionSummary{Request: "pick a db", Learned: "sqlite fits"}); err != nil {
		t.Fatal(err)
	}
	if _, err := src.RecordUserPrompt(sessionID, "which db should we use?", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := src.RecordArtifact(sessionID, "text/plain", "notes.txt", "db notes", ContentHash("db notes"), nil); err != nil {
		t.Fatal(err)
	}

	doc, err := src.Export()
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	// The document survives JSON serialization.
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded ExportDocument
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	dst, err := OpenAt(filepath.Join(t.TempDir(), "dst.sqlite"))
	if err != nil {
		t.Fatalf("open destination: %v", err)
	}
	defer dst.Close()

	result, err := dst.Import(&decoded)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Sessions != 1 || result.Memories != 1 || result.Summaries != 1 || result.Prompts != 1 || result.Artifacts != 1 {
		t.Fatalf("unexpected import result: %+v", result)
	}

	var got MemoryItem
	var kind, facts, metadata string
	err = dst.db.QueryRow(`
		SELECT kind, title, body_text, facts, rev, metadata FROM memory_items WHERE import_key = ?
	`, item.ImportKey).Scan(&kind, &got.Title, &got.BodyText, &facts, &got.Rev, &metadata)
	if err != nil {
		t.Fatalf("imported memory missing: %v", err)
	}
	if kind != string(KindDecision) || got.Title != item.Title || got.BodyText != item.BodyText {
		t.Errorf("fields not preserved: kind=%s title=%q", kind, got.Title)
	}
	if got.Rev != item.Rev {
		t.Errorf("rev not preserved: %d vs %d", got.Rev, item.Rev)
	}
	if f := unmarshalStrings(facts); len(f) != 1 || f[0] != "single file" {
		t.Errorf("facts not preserved: %v", f)
	}
	if m := unmarshalJSONMap(metadata); m["discovery_group"] != "S1:p1" {
		t.Errorf("metadata not preserved: %v", m)
	}

	// Re-import is idempotent.
	again, err := dst.Import(&decoded)
	if err != nil {
		t.Fatalf("second Import failed: %v", err)
	}
	if again.Memories != 0 || again.Sessions != 0 {
		t.Errorf("second import must skip everything: %+v", again)
	}
	var count int
	dst.db.QueryRow(`SELECT COUNT(*) FROM memory_items`).Scan(&count)
	if count != 1 {
		t.Errorf("duplicate row after re-import: %d", count)
	}
}

func TestTimelineAround(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "alpha")

	var ids []int64
	for i := 0; i < 5; i++ {
		item, err := st.Remember(RememberInput{
			SessionID: sessionID, Kind: KindNote,
			Title: "step", BodyText: "timeline step body", DeviceID: "d",
			ImportKey: eventID(i),
		})
		if err != nil {
			t.Fatalf("Remember %d failed: %v", i, err)
		}
		ids = append(ids, item.ID)
	}

	timeline, err := st.TimelineAround(ids[2], 1, 1)
	if err != nil {
		t.Fatalf("TimelineAround failed: %v", err)
	}
	if len(timeline) != 3 {
		t.Fatalf("expected 3 items, got %d", len(timeline))
	}
	if timeline[0].ID != ids[1] || timeline[1].ID != ids[2] || timeline[2].ID != ids[3] {
		t.Errorf("wrong neighborhood: %d %d %d", timeline[0].ID, timeline[1].ID, timeline[2].ID)
	}

	// Depth larger than available clips to the session bounds.
	timeline, err = st.TimelineAround(ids[0], 3, 10)
	if err != nil {
		t.Fatalf("TimelineAround failed: %v", err)
	}
	if len(timeline) != 5 {
		t.Errorf("expected all 5 items, got %d", len(timeline))
	}
	if timeline[0].ID != ids[0] {
		t.Errorf("anchor at edge should come first, got %d", timeline[0].ID)
	}
}
