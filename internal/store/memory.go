package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/codemem/internal/errs"
)

// RememberInput is the write-path payload for a new or updated memory
// item, per spec.md §4.2.
type RememberInput struct {
	SessionID     int64
	Kind          MemoryKind
	Title         string
	BodyText      string
	Subtitle      string
	Facts         []string
	Concepts      []string
	FilesRead     []string
	FilesModified []string
	PromptNumber  *int
	UserPromptID  *int64
	Confidence    float64
	// Tags, when supplied, is stored as-is (sorted, de-duplicated);
	// tags are derived from title/concepts/files only when omitted.
	Tags      []string
	ImportKey string
	DeviceID  string
	// Metadata is merged into the stored metadata JSON; clock_device_id
	// is always stamped on top of it. The pipeline uses this for
	// discovery_group / discovery_tokens / flush_batch attribution.
	Metadata JSONMap
}

// Remember inserts a new memory item, or upserts onto an existing
// import_key under last-writer-wins semantics when one is supplied. A
// missing import_key is assigned a fresh UUID v4, per spec.md §4.2.
// Every successful call records exactly one replication_op (§4.7).
func (s *Store) Remember(in RememberInput) (*MemoryItem, error) {
	kind := ResolveLegacyKind(in.Kind)
	if !IsValidKind(kind) {
		return nil, errs.InvalidInput(fmt.Sprintf("unknown memory kind %q", in.Kind), nil)
	}
	if strings.TrimSpace(in.BodyText) == "" {
		return nil, errs.InvalidInput("body_text must not be empty", nil)
	}
	if in.Confidence == 0 {
		in.Confidence = 1.0
	}
	if in.ImportKey == "" {
		in.ImportKey = uuid.NewString()
	}

	tags := joinTags(in.Tags)
	if tags == "" {
		tags = deriveTags(in.Title, in.Concepts, in.FilesRead, in.FilesModified)
	}

	now := time.Now()
	var item *MemoryItem
	err := s.withTx(func(tx *sql.Tx) error {
		metadata := JSONMap{}
		for k, v := range in.Metadata {
			metadata[k] = v
		}
		metadata["clock_device_id"] = in.DeviceID

		// Flush-batch de-duplication: a retried batch must not write the
		// same memory twice, so an identical row from the same flush is
		// returned as-is instead of re-inserted.
		if _, isFlush := metadata["flush_batch"]; isFlush {
			var dupID int64
			dupErr := tx.QueryRow(`
				SELECT id FROM memory_items WHERE session_id = ? AND kind = ? AND title = ? AND body_text = ? AND metadata = ?
			`, in.SessionID, string(kind), in.Title, in.BodyText, marshalJSONMap(metadata)).Scan(&dupID)
			if dupErr == nil {
				return loadMemoryItem(tx, dupID, &item)
			}
			if dupErr != sql.ErrNoRows {
				return fmt.Errorf("flush dedup probe: %w", dupErr)
			}
		}

		var existingID int64
		existsErr := tx.QueryRow(`SELECT id FROM memory_items WHERE import_key = ?`, in.ImportKey).Scan(&existingID)
		if existsErr == nil {
			if err := updateMemoryItem(tx, existingID, in, tags, metadata, now, &item); err != nil {
				return err
			}
		} else {
			if existsErr != sql.ErrNoRows {
				return fmt.Errorf("check import_key: %w", existsErr)
			}

			res, err := tx.Exec(`
				INSERT INTO memory_items (
					session_id, kind, title, body_text, subtitle, facts, concepts,
					files_read, files_modified, prompt_number, user_prompt_id,
					confidence, tags_text, active, created_at, updated_at, rev, metadata, import_key
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, 1, ?, ?)
			`, in.SessionID, string(kind), in.Title, in.BodyText, in.Subtitle,
				marshalStrings(in.Facts), marshalStrings(in.Concepts),
				marshalStrings(in.FilesRead), marshalStrings(in.FilesModified),
				in.PromptNumber, in.UserPromptID, in.Confidence, tags,
				now.UnixMilli(), now.UnixMilli(), marshalJSONMap(metadata), in.ImportKey)
			if err != nil {
				return fmt.Errorf("insert memory_item: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			item = &MemoryItem{
				ID: id, SessionID: in.SessionID, Kind: kind, Title: in.Title, BodyText: in.BodyText,
				Subtitle: in.Subtitle, Facts: in.Facts, Concepts: in.Concepts,
				FilesRead: in.FilesRead, FilesModified: in.FilesModified,
				PromptNumber: in.PromptNumber, UserPromptID: in.UserPromptID,
				Confidence: in.Confidence, TagsText: tags, Active: true,
				CreatedAt: now, UpdatedAt: now, Rev: 1, Metadata: metadata, ImportKey: in.ImportKey,
			}
		}

		project, err := sessionProject(tx, item.SessionID)
		if err != nil {
			return err
		}
		return emitOpTx(tx, "memory_item", item.ImportKey, OpUpsert, memoryOpPayload(*item, project), item.Clock())
	})
	return item, err
}

// RememberObservation persists a structured observation: the same
// write path as Remember, with the structured arrays (subtitle, facts,
// concepts, file lists, prompt number) first-class in the input. Tags
// derive from title + concepts + file basenames like any other write.
func (s *Store) RememberObservation(in RememberInput) (*MemoryItem, error) {
	if in.Kind == "" {
		in.Kind = KindObservation
	}
	return s.Remember(in)
}

// sessionProject looks up a session's project field within tx, used to
// stamp the project onto a replication op payload for outbound filtering.
func sessionProject(tx *sql.Tx, sessionID int64) (string, error) {
	var project string
	err := tx.QueryRow(`SELECT project FROM sessions WHERE id = ?`, sessionID).Scan(&project)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session project: %w", err)
	}
	return project, nil
}

// memoryOpPayload builds the stable snapshot persisted as a replication
// op's payload for a memory_item mutation: every column plus the
// project, with clock_device_id guaranteed present in metadata.
func memoryOpPayload(m MemoryItem, project string) JSONMap {
	metadata := JSONMap{}
	for k, v := range m.Metadata {
		metadata[k] = v
	}
	if _, ok := metadata["clock_device_id"]; !ok {
		metadata["clock_device_id"] = m.Clock().DeviceID
	}
	return JSONMap{
		"id":             m.ID,
		"session_id":     m.SessionID,
		"project":        project,
		"kind":           string(m.Kind),
		"title":          m.Title,
		"body_text":      m.BodyText,
		"subtitle":       m.Subtitle,
		"facts":          toAnySlice(m.Facts),
		"concepts":       toAnySlice(m.Concepts),
		"files_read":     toAnySlice(m.FilesRead),
		"files_modified": toAnySlice(m.FilesModified),
		"prompt_number":  m.PromptNumber,
		"confidence":     m.Confidence,
		"tags_text":      m.TagsText,
		"active":         m.Active,
		"rev":            m.Rev,
		"metadata":       metadata,
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func updateMemoryItem(tx *sql.Tx, id int64, in RememberInput, tags string, metadata JSONMap, now time.Time, out **MemoryItem) error {
	var curRev int64
	var curUpdatedMs int64
	var curDeviceID string
	if err := tx.QueryRow(`
		SELECT rev, updated_at, json_extract(metadata, '$.clock_device_id') FROM memory_items WHERE id = ?
	`, id).Scan(&curRev, &curUpdatedMs, &curDeviceID); err != nil {
		return fmt.Errorf("read current clock: %w", err)
	}
	current := MemoryClock{Rev: curRev, UpdatedAt: time.UnixMilli(curUpdatedMs), DeviceID: curDeviceID}
	incoming := MemoryClock{Rev: curRev + 1, UpdatedAt: now, DeviceID: in.DeviceID}
	if incoming.Compare(current) <= 0 {
		// A concurrent writer already advanced this item further; keep
		// the existing row and report it back unchanged.
		return loadMemoryItem(tx, id, out)
	}

	if _, err := tx.Exec(`
		UPDATE memory_items SET
			kind = ?, title = ?, body_text = ?, subtitle = ?, facts = ?, concepts = ?,
			files_read = ?, files_modified = ?, prompt_number = ?, user_prompt_id = ?,
			confidence = ?, tags_text = ?, active = 1, updated_at = ?, rev = rev + 1, metadata = ?
		WHERE id = ?
	`, string(ResolveLegacyKind(in.Kind)), in.Title, in.BodyText, in.Subtitle,
		marshalStrings(in.Facts), marshalStrings(in.Concepts),
		marshalStrings(in.FilesRead), marshalStrings(in.FilesModified),
		in.PromptNumber, in.UserPromptID, in.Confidence, tags,
		now.UnixMilli(), marshalJSONMap(metadata), id); err != nil {
		return fmt.Errorf("update memory_item: %w", err)
	}
	return loadMemoryItem(tx, id, out)
}

func loadMemoryItem(tx *sql.Tx, id int64, out **MemoryItem) error {
	item, err := scanMemoryItemRow(tx.QueryRow(`
		SELECT id, session_id, kind, title, body_text, subtitle, facts, concepts,
			files_read, files_modified, prompt_number, user_prompt_id, confidence,
			tags_text, active, created_at, updated_at, deleted_at, rev, metadata, COALESCE(import_key, '')
		FROM memory_items WHERE id = ?
	`, id))
	if err != nil {
		return err
	}
	*out = item
	return nil
}

func scanMemoryItemRow(row *sql.Row) (*MemoryItem, error) {
	var m MemoryItem
	var kind, facts, concepts, filesRead, filesMod, metadata string
	var created, updated int64
	var deleted sql.NullInt64
	var active int
	if err := row.Scan(&m.ID, &m.SessionID, &kind, &m.Title, &m.BodyText, &m.Subtitle,
		&facts, &concepts, &filesRead, &filesMod, &m.PromptNumber, &m.UserPromptID,
		&m.Confidence, &m.TagsText, &active, &created, &updated, &deleted, &m.Rev, &metadata, &m.ImportKey); err != nil {
		return nil, err
	}
	m.Kind = MemoryKind(kind)
	m.Facts = unmarshalStrings(facts)
	m.Concepts = unmarshalStrings(concepts)
	m.FilesRead = unmarshalStrings(filesRead)
	m.FilesModified = unmarshalStrings(filesMod)
	m.Metadata = unmarshalJSONMap(metadata)
	m.Active = active != 0
	m.CreatedAt = time.UnixMilli(created)
	m.UpdatedAt = time.UnixMilli(updated)
	if deleted.Valid {
		t := time.UnixMilli(deleted.Int64)
		m.DeletedAt = &t
	}
	return &m, nil
}

// Forget soft-deletes a memory item, bumping its clock so the tombstone
// replicates like any other write.
func (s *Store) Forget(id int64, deviceID string) error {
	now := time.Now()
	return s.withTx(func(tx *sql.Tx) error {
		var importKey string
		var sessionID, rev int64
		if err := tx.QueryRow(`
			SELECT import_key, session_id, rev FROM memory_items WHERE id = ? AND active = 1
		`, id).Scan(&importKey, &sessionID, &rev); err != nil {
			if err == sql.ErrNoRows {
				return errs.NotFound(fmt.Sprintf("memory item %d not found or already inactive", id))
			}
			return fmt.Errorf("read memory_item: %w", err)
		}

		if _, err := tx.Exec(`
			UPDATE memory_items SET active = 0, deleted_at = ?, updated_at = ?, rev = rev + 1,
				metadata = json_set(metadata, '$.clock_device_id', ?)
			WHERE id = ?
		`, now.UnixMilli(), now.UnixMilli(), deviceID, id); err != nil {
			return fmt.Errorf("forget memory_item: %w", err)
		}

		project, err := sessionProject(tx, sessionID)
		if err != nil {
			return err
		}
		clock := MemoryClock{Rev: rev + 1, UpdatedAt: now, DeviceID: deviceID}
		payload := JSONMap{"id": id, "session_id": sessionID, "project": project, "active": false}
		return emitOpTx(tx, "memory_item", importKey, OpDelete, payload, clock)
	})
}

// stopwords are excluded from derived tags, per spec.md §4.3.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "is": true,
	"at": true, "by": true, "as": true, "it": true, "this": true, "that": true,
	"be": true, "are": true, "was": true, "were": true, "from": true, "into": true,
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// joinTags normalizes an explicit tag set into the stored tags_text
// form: sorted, de-duplicated, space-joined.
func joinTags(tags []string) string {
	set := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

// tokenize lowercases, strips punctuation, and drops tokens shorter than
// two characters, matching spec.md §4.3's token rules.
func tokenize(s string) []string {
	var out []string
	for _, tok := range tokenSplit.Split(strings.ToLower(s), -1) {
		if len(tok) >= 2 {
			out = append(out, tok)
		}
	}
	return out
}

// deriveTags builds the sorted, de-duplicated, stopword-filtered tag set
// from basename tokens of files_read/files_modified, normalized concepts,
// and normalized title words, per spec.md §4.3:
//
//	tags := sort(unique(basename-tokens(files) ∪ normalize(concepts) ∪ normalize(title))) − STOPWORDS
func deriveTags(title string, concepts, filesRead, filesModified []string) string {
	set := map[string]bool{}

	for _, f := range filesRead {
		for _, tok := range tokenize(filepath.Base(f)) {
			set[tok] = true
		}
	}
	for _, f := range filesModified {
		for _, tok := range tokenize(filepath.Base(f)) {
			set[tok] = true
		}
	}
	for _, c := range concepts {
		for _, tok := range tokenize(c) {
			set[tok] = true
		}
	}
	for _, tok := range tokenize(title) {
		set[tok] = true
	}

	var tags []string
	for tok := range set {
		if !stopwords[tok] {
			tags = append(tags, tok)
		}
	}
	sort.Strings(tags)
	return strings.Join(tags, " ")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
