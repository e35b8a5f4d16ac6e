package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/codemem/internal/errs"
)

// exportVersion is bumped whenever the export document shape changes.
const exportVersion = 1

// ExportDocument is the versioned JSON form of the entity tables.
// Cross-references use import keys, never local autoincrement ids, so a
// round-trip through another device preserves identity.
type ExportDocument struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exported_at"`
	Sessions   []ExportSession `json:"sessions"`
	Memories   []ExportMemory  `json:"memories"`
	Summaries  []ExportSummary `json:"summaries"`
	Prompts    []ExportPrompt  `json:"prompts"`
	Artifacts  []ExportArtifact `json:"artifacts"`
}

// ExportSession mirrors a sessions row.
type ExportSession struct {
	ImportKey   string     `json:"import_key"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Cwd         string     `json:"cwd"`
	Project     string     `json:"project"`
	GitRemote   string     `json:"git_remote"`
	GitBranch   string     `json:"git_branch"`
	User        string     `json:"user"`
	ToolVersion string     `json:"tool_version"`
	Metadata    JSONMap    `json:"metadata"`
}

// ExportMemory mirrors a memory_items row, with its owning session
// referenced by import key.
type ExportMemory struct {
	ImportKey        string     `json:"import_key"`
	SessionImportKey string     `json:"session_import_key"`
	Kind             string     `json:"kind"`
	Title            string     `json:"title"`
	BodyText         string     `json:"body_text"`
	Subtitle         string     `json:"subtitle"`
	Facts            []string   `json:"facts"`
	Concepts         []string   `json:"concepts"`
	FilesRead        []string   `json:"files_read"`
	FilesModified    []string   `json:"files_modified"`
	PromptNumber     *int       `json:"prompt_number,omitempty"`
	Confidence       float64    `json:"confidence"`
	TagsText         string     `json:"tags_text"`
	Active           bool       `json:"active"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	Rev              int64      `json:"rev"`
	Metadata         JSONMap    `json:"metadata"`
}

// ExportSummary mirrors a session_summaries row.
type ExportSummary struct {
	SessionImportKey string    `json:"session_import_key"`
	Request          string    `json:"request"`
	Investigated     string    `json:"investigated"`
	Learned          string    `json:"learned"`
	Completed        string    `json:"completed"`
	NextSteps        string    `json:"next_steps"`
	Notes            string    `json:"notes"`
	FilesRead        []string  `json:"files_read"`
	FilesEdited      []string  `json:"files_edited"`
	PromptNumber     *int      `json:"prompt_number,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ExportPrompt mirrors a user_prompts row.
type ExportPrompt struct {
	SessionImportKey string    `json:"session_import_key"`
	PromptText       string    `json:"prompt_text"`
	PromptNumber     *int      `json:"prompt_number,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	Metadata         JSONMap   `json:"metadata"`
}

// ExportArtifact mirrors an artifacts row.
type ExportArtifact struct {
	SessionImportKey string    `json:"session_import_key"`
	Kind             string    `json:"kind"`
	Path             string    `json:"path"`
	ContentText      string    `json:"content_text"`
	ContentHash      string    `json:"content_hash"`
	Metadata         JSONMap   `json:"metadata"`
	CreatedAt        time.Time `json:"created_at"`
}

// Export snapshots the entity tables into a versioned document. Sessions
// without an import_key are assigned one first, so every exported entity
// is addressable on re-import.
func (s *Store) Export() (*ExportDocument, error) {
	if err := s.ensureSessionImportKeys(); err != nil {
		return nil, err
	}

	doc := &ExportDocument{Version: exportVersion, ExportedAt: time.Now().UTC()}

	sessionKeys := map[int64]string{}
	rows, err := s.db.Query(`
		SELECT id, started_at, ended_at, cwd, project, git_remote, git_branch, user, tool_version, metadata, import_key
		FROM sessions ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("export sessions: %w", err)
	}
	for rows.Next() {
		var id, startedMs int64
		var endedMs sql.NullInt64
		var es ExportSession
		var metadata string
		if err := rows.Scan(&id, &startedMs, &endedMs, &es.Cwd, &es.Project, &es.GitRemote, &es.GitBranch,
			&es.User, &es.ToolVersion, &metadata, &es.ImportKey); err != nil {
			rows.Close()
			return nil, err
		}
		es.StartedAt = time.UnixMilli(startedMs).UTC()
		if endedMs.Valid {
			t := time.UnixMilli(endedMs.Int64).UTC()
			es.EndedAt = &t
		}
		es.Metadata = unmarshalJSONMap(metadata)
		sessionKeys[id] = es.ImportKey
		doc.Sessions = append(doc.Sessions, es)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.exportMemories(doc, sessionKeys); err != nil {
		return nil, err
	}
	if err := s.exportSummaries(doc, sessionKeys); err != nil {
		return nil, err
	}
	if err := s.exportPrompts(doc, sessionKeys); err != nil {
		return nil, err
	}
	if err := s.exportArtifacts(doc, sessionKeys); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) ensureSessionImportKeys() error {
	ids, err := queryInt64s(s.db, `SELECT id FROM sessions WHERE import_key IS NULL OR import_key = ''`)
	if err != nil {
		return fmt.Errorf("find unkeyed sessions: %w", err)
	}
	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE sessions SET import_key = ? WHERE id = ?`, uuid.NewString(), id); err != nil {
			return fmt.Errorf("assign session import_key: %w", err)
		}
	}
	return nil
}

func (s *Store) exportMemories(doc *ExportDocument, sessionKeys map[int64]string) error {
	rows, err := s.db.Query(`
		SELECT id, session_id, kind, title, body_text, subtitle, facts, concepts, files_read, files_modified,
			prompt_number, confidence, tags_text, active, created_at, updated_at, deleted_at, rev, metadata, COALESCE(import_key, '')
		FROM memory_items ORDER BY id ASC
	`)
	if err != nil {
		return fmt.Errorf("export memories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, sessionID, createdMs, updatedMs int64
		var deletedMs sql.NullInt64
		var em ExportMemory
		var facts, concepts, filesRead, filesMod, metadata string
		var active int
		if err := rows.Scan(&id, &sessionID, &em.Kind, &em.Title, &em.BodyText, &em.Subtitle,
			&facts, &concepts, &filesRead, &filesMod, &em.PromptNumber, &em.Confidence, &em.TagsText,
			&active, &createdMs, &updatedMs, &deletedMs, &em.Rev, &metadata, &em.ImportKey); err != nil {
			return err
		}
		em.SessionImportKey = sessionKeys[sessionID]
		em.Facts = unmarshalStrings(facts)
		em.Concepts = unmarshalStrings(concepts)
		em.FilesRead = unmarshalStrings(filesRead)
		em.FilesModified = unmarshalStrings(filesMod)
		em.Metadata = unmarshalJSONMap(metadata)
		em.Active = active != 0
		em.CreatedAt = time.UnixMilli(createdMs).UTC()
		em.UpdatedAt = time.UnixMilli(updatedMs).UTC()
		if deletedMs.Valid {
			t := time.UnixMilli(deletedMs.Int64).UTC()
			em.DeletedAt = &t
		}
		doc.Memories = append(doc.Memories, em)
	}
	return rows.Err()
}

func (s *Store) exportSummaries(doc *ExportDocument, sessionKeys map[int64]string) error {
	rows, err := s.db.Query(`
		SELECT session_id, request, investigated, learned, completed, next_steps, notes,
			files_read, files_edited, prompt_number, created_at
		FROM session_summaries ORDER BY id ASC
	`)
	if err != nil {
		return fmt.Errorf("export summaries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sessionID, createdMs int64
		var es ExportSummary
		var filesRead, filesEdited string
		if err := rows.Scan(&sessionID, &es.Request, &es.Investigated, &es.Learned, &es.Completed,
			&es.NextSteps, &es.Notes, &filesRead, &filesEdited, &es.PromptNumber, &createdMs); err != nil {
			return err
		}
		es.SessionImportKey = sessionKeys[sessionID]
		es.FilesRead = unmarshalStrings(filesRead)
		es.FilesEdited = unmarshalStrings(filesEdited)
		es.CreatedAt = time.UnixMilli(createdMs).UTC()
		doc.Summaries = append(doc.Summaries, es)
	}
	return rows.Err()
}

func (s *Store) exportPrompts(doc *ExportDocument, sessionKeys map[int64]string) error {
	rows, err := s.db.Query(`
		SELECT session_id, prompt_text, prompt_number, created_at, metadata FROM user_prompts ORDER BY id ASC
	`)
	if err != nil {
		return fmt.Errorf("export prompts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sessionID, createdMs int64
		var ep ExportPrompt
		var metadata string
		if err := rows.Scan(&sessionID, &ep.PromptText, &ep.PromptNumber, &createdMs, &metadata); err != nil {
			return err
		}
		ep.SessionImportKey = sessionKeys[sessionID]
		ep.Metadata = unmarshalJSONMap(metadata)
		ep.CreatedAt = time.UnixMilli(createdMs).UTC()
		doc.Prompts = append(doc.Prompts, ep)
	}
	return rows.Err()
}

func (s *Store) exportArtifacts(doc *ExportDocument, sessionKeys map[int64]string) error {
	rows, err := s.db.Query(`
		SELECT session_id, kind, path, content_text, content_hash, metadata, created_at FROM artifacts ORDER BY id ASC
	`)
	if err != nil {
		return fmt.Errorf("export artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sessionID, createdMs int64
		var ea ExportArtifact
		var metadata string
		if err := rows.Scan(&sessionID, &ea.Kind, &ea.Path, &ea.ContentText, &ea.ContentHash, &metadata, &createdMs); err != nil {
			return err
		}
		ea.SessionImportKey = sessionKeys[sessionID]
		ea.Metadata = unmarshalJSONMap(metadata)
		ea.CreatedAt = time.UnixMilli(createdMs).UTC()
		doc.Artifacts = append(doc.Artifacts, ea)
	}
	return rows.Err()
}

// ImportResult tallies an Import call.
type ImportResult struct {
	Sessions  int
	Memories  int
	Summaries int
	Prompts   int
	Artifacts int
	Skipped   int
}

// Import merges a previously exported document into this store. Entities
// whose import_key already exists locally are skipped, as are summaries
// and prompts already present with the same session, created_at and
// text, and artifacts with the same session, kind, content hash and
// metadata, so re-importing the same document is idempotent.
func (s *Store) Import(doc *ExportDocument) (*ImportResult, error) {
	if doc.Version != exportVersion {
		return nil, errs.InvalidInput(fmt.Sprintf("unsupported export version %d", doc.Version), nil)
	}

	result := &ImportResult{}
	err := s.withTx(func(tx *sql.Tx) error {
		sessionIDs := map[string]int64{}

		for _, es := range doc.Sessions {
			var id int64
			err := tx.QueryRow(`SELECT id FROM sessions WHERE import_key = ?`, es.ImportKey).Scan(&id)
			if err == nil {
				sessionIDs[es.ImportKey] = id
				result.Skipped++
				continue
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("check session: %w", err)
			}
			var endedMs any
			if es.EndedAt != nil {
				endedMs = es.EndedAt.UnixMilli()
			}
			res, err := tx.Exec(`
				INSERT INTO sessions (started_at, ended_at, cwd, project, git_remote, git_branch, user, tool_version, metadata, import_key)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, es.StartedAt.UnixMilli(), endedMs, es.Cwd, es.Project, es.GitRemote, es.GitBranch,
				es.User, es.ToolVersion, marshalJSONMap(es.Metadata), es.ImportKey)
			if err != nil {
				return fmt.Errorf("import session %s: %w", es.ImportKey, err)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return err
			}
			sessionIDs[es.ImportKey] = id
			result.Sessions++
		}

		for _, em := range doc.Memories {
			sessionID, ok := sessionIDs[em.SessionImportKey]
			if !ok {
				return errs.InvalidInput(fmt.Sprintf("memory %s references unknown session %s", em.ImportKey, em.SessionImportKey), nil)
			}
			var existing int64
			err := tx.QueryRow(`SELECT id FROM memory_items WHERE import_key = ?`, em.ImportKey).Scan(&existing)
			if err == nil {
				result.Skipped++
				continue
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("check memory: %w", err)
			}
			var deletedMs any
			if em.DeletedAt != nil {
				deletedMs = em.DeletedAt.UnixMilli()
			}
			if _, err := tx.Exec(`
				INSERT INTO memory_items (session_id, kind, title, body_text, subtitle, facts, concepts,
					files_read, files_modified, prompt_number, confidence, tags_text, active,
					created_at, updated_at, deleted_at, rev, metadata, import_key)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, sessionID, em.Kind, em.Title, em.BodyText, em.Subtitle,
				marshalStrings(em.Facts), marshalStrings(em.Concepts),
				marshalStrings(em.FilesRead), marshalStrings(em.FilesModified),
				em.PromptNumber, em.Confidence, em.TagsText, boolToInt(em.Active),
				em.CreatedAt.UnixMilli(), em.UpdatedAt.UnixMilli(), deletedMs, em.Rev,
				marshalJSONMap(em.Metadata), em.ImportKey); err != nil {
				return fmt.Errorf("import memory %s: %w", em.ImportKey, err)
			}
			result.Memories++
		}

		for _, es := range doc.Summaries {
			sessionID, ok := sessionIDs[es.SessionImportKey]
			if !ok {
				result.Skipped++
				continue
			}
			if err := tx.QueryRow(`SELECT id FROM session_summaries WHERE session_id = ? AND created_at = ? AND request = ?`,
				sessionID, es.CreatedAt.UnixMilli(), es.Request).Scan(new(int64)); err == nil {
				result.Skipped++
				continue
			} else if err != sql.ErrNoRows {
				return fmt.Errorf("check summary: %w", err)
			}
			if _, err := tx.Exec(`
				INSERT INTO session_summaries (session_id, request, investigated, learned, completed, next_steps, notes, files_read, files_edited, prompt_number, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, sessionID, es.Request, es.Investigated, es.Learned, es.Completed, es.NextSteps, es.Notes,
				marshalStrings(es.FilesRead), marshalStrings(es.FilesEdited), es.PromptNumber, es.CreatedAt.UnixMilli()); err != nil {
				return fmt.Errorf("import summary: %w", err)
			}
			result.Summaries++
		}

		for _, ep := range doc.Prompts {
			sessionID, ok := sessionIDs[ep.SessionImportKey]
			if !ok {
				result.Skipped++
				continue
			}
			if err := tx.QueryRow(`SELECT id FROM user_prompts WHERE session_id = ? AND created_at = ? AND prompt_text = ?`,
				sessionID, ep.CreatedAt.UnixMilli(), ep.PromptText).Scan(new(int64)); err == nil {
				result.Skipped++
				continue
			} else if err != sql.ErrNoRows {
				return fmt.Errorf("check prompt: %w", err)
			}
			if _, err := tx.Exec(`
				INSERT INTO user_prompts (session_id, prompt_text, prompt_number, created_at, metadata)
				VALUES (?, ?, ?, ?, ?)
			`, sessionID, ep.PromptText, ep.PromptNumber, ep.CreatedAt.UnixMilli(), marshalJSONMap(ep.Metadata)); err != nil {
				return fmt.Errorf("import prompt: %w", err)
			}
			result.Prompts++
		}

		for _, ea := range doc.Artifacts {
			sessionID, ok := sessionIDs[ea.SessionImportKey]
			if !ok {
				result.Skipped++
				continue
			}
			var existing int64
			err := tx.QueryRow(`
				SELECT id FROM artifacts WHERE session_id = ? AND kind = ? AND content_hash = ? AND metadata = ?
			`, sessionID, ea.Kind, ea.ContentHash, marshalJSONMap(ea.Metadata)).Scan(&existing)
			if err == nil {
				result.Skipped++
				continue
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("check artifact: %w", err)
			}
			if _, err := tx.Exec(`
				INSERT INTO artifacts (session_id, kind, path, content_text, content_hash, metadata, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, sessionID, ea.Kind, ea.Path, ea.ContentText, ea.ContentHash, marshalJSONMap(ea.Metadata), ea.CreatedAt.UnixMilli()); err != nil {
				return fmt.Errorf("import artifact: %w", err)
			}
			result.Artifacts++
		}

		return nil
	})
	return result, err
}

func queryInt64s(db *sql.DB, query string, args ...any) ([]int64, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
