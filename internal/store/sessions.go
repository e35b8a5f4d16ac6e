package store

import (
	"database/sql"
	"fmt"
	"time"
)

// StartSession creates a new session row, or returns the existing one if
// import_key already exists (idempotent replay of a start event).
func (s *Store) StartSession(cwd, project, gitRemote, gitBranch, user, toolVersion, importKey string, metadata JSONMap) (int64, error) {
	if importKey != "" {
		var id int64
		err := s.db.QueryRow(`SELECT id FROM sessions WHERE import_key = ?`, importKey).Scan(&id)
		if err == nil {
			return id, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("check session import_key: %w", err)
		}
	}
	res, err := s.db.Exec(`
		INSERT INTO sessions (started_at, cwd, project, git_remote, git_branch, user, tool_version, metadata, import_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, time.Now().UnixMilli(), cwd, project, gitRemote, gitBranch, user, toolVersion, marshalJSONMap(metadata), nullIfEmpty(importKey))
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return res.LastInsertId()
}

// EndSession marks a session ended.
func (s *Store) EndSession(sessionID int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// LinkOpencodeSession records the mapping from an external opaque session
// id to a local Session.
func (s *Store) LinkOpencodeSession(opencodeSessionID string, sessionID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO opencode_sessions (opencode_session_id, session_id) VALUES (?, ?)
		ON CONFLICT(opencode_session_id) DO UPDATE SET session_id = excluded.session_id
	`, opencodeSessionID, sessionID)
	if err != nil {
		return fmt.Errorf("link opencode session: %w", err)
	}
	return nil
}

// SessionIDForOpencodeSession resolves the external session id to a local
// session id, if one has been linked.
func (s *Store) SessionIDForOpencodeSession(opencodeSessionID string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(`SELECT session_id FROM opencode_sessions WHERE opencode_session_id = ?`, opencodeSessionID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup opencode session: %w", err)
	}
	return id, true, nil
}

// RecordUserPrompt persists one user prompt within a session.
func (s *Store) RecordUserPrompt(sessionID int64, text string, promptNumber *int, metadata JSONMap) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO user_prompts (session_id, prompt_text, prompt_number, created_at, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, text, promptNumber, time.Now().UnixMilli(), marshalJSONMap(metadata))
	if err != nil {
		return 0, fmt.Errorf("insert user_prompt: %w", err)
	}
	return res.LastInsertId()
}

// RecordArtifact persists one opaque per-session content blob.
func (s *Store) RecordArtifact(sessionID int64, kind, path, contentText, contentHash string, metadata JSONMap) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO artifacts (session_id, kind, path, content_text, content_hash, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sessionID, kind, path, contentText, contentHash, marshalJSONMap(metadata), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	return res.LastInsertId()
}

// RecordUsageEvent persists one telemetry row.
func (s *Store) RecordUsageEvent(event string, tokensRead, tokensWritten, tokensSaved int, metadata JSONMap) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_events (event, tokens_read, tokens_written, tokens_saved, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event, tokensRead, tokensWritten, tokensSaved, marshalJSONMap(metadata), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert usage_event: %w", err)
	}
	return nil
}
