package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxOpBodyBytes is the per-chunk payload cap enforced by ChunkOpsBySize,
// matching the sync protocol's 1 MiB request body limit.
const maxOpBodyBytes = 1 << 20

// EmitOp appends one replication op to the log in its own transaction.
// Prefer emitOpTx when the mutation that triggers the op is itself
// already inside a transaction (Remember, Forget), so the op record and
// the entity mutation commit or roll back together, per spec.md §5.
func (s *Store) EmitOp(entityType, entityID string, opType OpType, payload JSONMap, clock MemoryClock) error {
	return s.withTx(func(tx *sql.Tx) error {
		return emitOpTx(tx, entityType, entityID, opType, payload, clock)
	})
}

func emitOpTx(tx *sql.Tx, entityType, entityID string, opType OpType, payload JSONMap, clock MemoryClock) error {
	opID := uuid.NewString()
	_, err := tx.Exec(`
		INSERT INTO replication_ops (op_id, entity_type, entity_id, op_type, payload, clock_rev, clock_updated_at, clock_device_id, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, opID, entityType, entityID, string(opType), marshalJSONMap(payload),
		clock.Rev, clock.UpdatedAt.UnixMilli(), clock.DeviceID, clock.DeviceID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("emit op: %w", err)
	}
	return nil
}

// OpsSinceCursor returns ops strictly after cursor (the lexicographic
// "created_at|op_id" string), up to limit, ordered oldest first.
func (s *Store) OpsSinceCursor(cursor string, limit int) ([]ReplicationOp, error) {
	createdAfter, opIDAfter := splitCursor(cursor)
	rows, err := s.db.Query(`
		SELECT op_id, entity_type, entity_id, op_type, payload, clock_rev, clock_updated_at, clock_device_id, device_id, created_at
		FROM replication_ops
		WHERE (created_at > ?) OR (created_at = ? AND op_id > ?)
		ORDER BY created_at ASC, op_id ASC
		LIMIT ?
	`, createdAfter, createdAfter, opIDAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("query ops since cursor: %w", err)
	}
	defer rows.Close()

	var out []ReplicationOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// OpsForPeer returns up to limit ops strictly after cursor that pass
// peer's effective project filter, per spec.md §4.7/§4.8. It scans ahead
// of limit (bounded by opsForPeerScanMultiplier*limit) so a run of
// filtered-out ops doesn't starve the page; skipped counts how many were
// filtered out within the scanned range, and nextCursor lets the caller
// advance past a filtered gap even when ops is empty.
func (s *Store) OpsForPeer(peer SyncPeer, cursor string, limit int) (ops []ReplicationOp, nextCursor string, skipped int, err error) {
	if limit <= 0 {
		limit = 200
	}
	cursor, err = s.NormalizeOutboundCursor(cursor)
	if err != nil {
		return nil, "", 0, err
	}
	scanLimit := limit * opsForPeerScanMultiplier
	candidates, err := s.OpsSinceCursor(cursor, scanLimit)
	if err != nil {
		return nil, "", 0, err
	}

	for _, op := range candidates {
		// Never echo a peer's own ops back at it; relays from third
		// devices still flow through.
		if op.DeviceID == peer.PeerDeviceID {
			skipped++
			nextCursor = op.Cursor()
			continue
		}
		project := strOr(op.Payload, "project")
		if project != "" && !projectAllowed(project, peer.ProjectFilterInclude, peer.ProjectFilterExclude) {
			skipped++
			nextCursor = op.Cursor()
			continue
		}
		ops = append(ops, op)
		nextCursor = op.Cursor()
		if len(ops) >= limit {
			break
		}
	}
	return ops, nextCursor, skipped, nil
}

// opsForPeerScanMultiplier bounds how far past the requested page size
// OpsForPeer scans to find project-filter-passing ops.
const opsForPeerScanMultiplier = 5

// NormalizeOutboundCursor clamps a cursor pointing past the end of the
// local op log back to the newest local cursor, so a peer that last
// synced against a since-reset database does not poll forever at a
// position this log will never reach.
func (s *Store) NormalizeOutboundCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	var createdMs int64
	var opID string
	err := s.db.QueryRow(`
		SELECT created_at, op_id FROM replication_ops ORDER BY created_at DESC, op_id DESC LIMIT 1
	`).Scan(&createdMs, &opID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return cursor, fmt.Errorf("read newest op: %w", err)
	}
	newest := ReplicationOp{OpID: opID, CreatedAt: time.UnixMilli(createdMs)}.Cursor()
	if cursor > newest {
		return newest, nil
	}
	return cursor, nil
}

func splitCursor(cursor string) (int64, string) {
	if cursor == "" {
		return 0, ""
	}
	for i := len(cursor) - 1; i >= 0; i-- {
		if cursor[i] == '|' {
			t, err := time.Parse(time.RFC3339Nano, cursor[:i])
			if err != nil {
				return 0, ""
			}
			return t.UnixMilli(), cursor[i+1:]
		}
	}
	return 0, ""
}

func scanOp(rows *sql.Rows) (*ReplicationOp, error) {
	var op ReplicationOp
	var opType, payload string
	var clockUpdatedMs, createdMs int64
	if err := rows.Scan(&op.OpID, &op.EntityType, &op.EntityID, &opType, &payload,
		&op.Clock.Rev, &clockUpdatedMs, &op.Clock.DeviceID, &op.DeviceID, &createdMs); err != nil {
		return nil, err
	}
	op.OpType = OpType(opType)
	op.Payload = unmarshalJSONMap(payload)
	op.Clock.UpdatedAt = time.UnixMilli(clockUpdatedMs)
	op.CreatedAt = time.UnixMilli(createdMs)
	return &op, nil
}

// legacyImportKeyPrefix marks a pre-replication local autoincrement id
// carried over before import_key existed as a concept.
const legacyImportKeyPrefix = "legacy:memory_item:"

// futureSkewTolerance bounds how far ahead of the receiver's clock an
// inbound op's created_at may legitimately be before it is clamped.
const futureSkewTolerance = 5 * time.Minute

// SanitizeInboundOp normalizes one op received from sourceDeviceID before
// it is handed to ApplyRemoteOp, per spec.md §4.7:
//   - op.DeviceID is trusted only when it matches the authenticated sender
//   - created_at implausibly far in the future is clamped to receivedAt
//   - missing clock fields default to rev=1, updated_at=created_at, device_id=op.DeviceID
//   - legacy "legacy:memory_item:<n>" import keys are canonicalized
func SanitizeInboundOp(op ReplicationOp, sourceDeviceID string, receivedAt time.Time) ReplicationOp {
	if op.DeviceID != sourceDeviceID {
		op.DeviceID = sourceDeviceID
	}
	if op.CreatedAt.After(receivedAt.Add(futureSkewTolerance)) {
		op.CreatedAt = receivedAt
	}
	if op.Clock.Rev == 0 {
		op.Clock.Rev = 1
	}
	if op.Clock.UpdatedAt.IsZero() {
		op.Clock.UpdatedAt = op.CreatedAt
	}
	if op.Clock.DeviceID == "" {
		op.Clock.DeviceID = op.DeviceID
	}
	op.EntityID = CanonicalizeImportKey(op.EntityID, op.Clock.DeviceID)
	return op
}

// CanonicalizeImportKey rewrites a legacy "legacy:memory_item:<n>" import
// key to the canonical device-prefixed form using the op's clock device
// id, so relayed chains collapse onto one row instead of duplicating.
func CanonicalizeImportKey(importKey, clockDeviceID string) string {
	if !strings.HasPrefix(importKey, legacyImportKeyPrefix) {
		return importKey
	}
	n := strings.TrimPrefix(importKey, legacyImportKeyPrefix)
	if _, err := strconv.ParseInt(n, 10, 64); err != nil {
		return importKey
	}
	return clockDeviceID + ":legacy-memory-item:" + n
}

// ApplyRemoteOp applies one inbound op from a peer under last-writer-wins
// semantics, ignoring it if its op_id is already in the log or the local
// entity's clock already dominates. projectInclude and projectExclude,
// when non-empty, restrict application to ops whose payload project
// passes projectAllowed (empty lists accept all projects).
func (s *Store) ApplyRemoteOp(op ReplicationOp, projectInclude, projectExclude []string) (applied bool, err error) {
	if project, ok := op.Payload["project"].(string); ok {
		if !projectAllowed(project, projectInclude, projectExclude) {
			return false, nil
		}
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT 1 FROM replication_ops WHERE op_id = ?`, op.OpID).Scan(new(int)); err == nil {
			applied = false
			return nil
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("check op id: %w", err)
		}

		var curRev int64
		var curUpdatedMs int64
		var curDeviceID string
		err := tx.QueryRow(`
			SELECT clock_rev, clock_updated_at, clock_device_id FROM replication_ops
			WHERE entity_type = ? AND entity_id = ?
			ORDER BY clock_rev DESC, clock_updated_at DESC, clock_device_id DESC LIMIT 1
		`, op.EntityType, op.EntityID).Scan(&curRev, &curUpdatedMs, &curDeviceID)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read current op clock: %w", err)
		}
		if err == nil {
			current := MemoryClock{Rev: curRev, UpdatedAt: time.UnixMilli(curUpdatedMs), DeviceID: curDeviceID}
			if op.Clock.Compare(current) <= 0 {
				applied = false
				return nil
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO replication_ops (op_id, entity_type, entity_id, op_type, payload, clock_rev, clock_updated_at, clock_device_id, device_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(op_id) DO NOTHING
		`, op.OpID, op.EntityType, op.EntityID, string(op.OpType), marshalJSONMap(op.Payload),
			op.Clock.Rev, op.Clock.UpdatedAt.UnixMilli(), op.Clock.DeviceID, op.DeviceID, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("insert remote op: %w", err)
		}

		if err := materializeMemoryOp(tx, op); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// materializeMemoryOp projects a replication op for entity_type
// "memory_item" onto the local memory_items table.
func materializeMemoryOp(tx *sql.Tx, op ReplicationOp) error {
	if op.EntityType != "memory_item" {
		return nil
	}
	if op.OpType == OpDelete {
		_, err := tx.Exec(`
			UPDATE memory_items SET active = 0, deleted_at = ?, updated_at = ?, rev = ?,
				metadata = json_set(metadata, '$.clock_device_id', ?)
			WHERE import_key = ?
		`, op.Clock.UpdatedAt.UnixMilli(), op.Clock.UpdatedAt.UnixMilli(), op.Clock.Rev, op.Clock.DeviceID, op.EntityID)
		return err
	}

	// An incoming memory_item may belong to a session this device has
	// never seen (sessions are local; memory_items are the replicated
	// unit). A per-origin-device placeholder session holds these rows so
	// they still have a valid session_id foreign key and group sensibly
	// by originating peer.
	project := strOr(op.Payload, "project")
	sessionID, err := findOrCreatePeerSession(tx, op.Clock.DeviceID, project)
	if err != nil {
		return err
	}

	metadata := JSONMap{"clock_device_id": op.Clock.DeviceID}
	_, err = tx.Exec(`
		INSERT INTO memory_items (session_id, kind, title, body_text, subtitle, facts, concepts,
			files_read, files_modified, confidence, tags_text, active, created_at, updated_at, rev, metadata, import_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(import_key) DO UPDATE SET
			kind = excluded.kind, title = excluded.title, body_text = excluded.body_text,
			subtitle = excluded.subtitle, facts = excluded.facts, concepts = excluded.concepts,
			files_read = excluded.files_read, files_modified = excluded.files_modified,
			confidence = excluded.confidence, tags_text = excluded.tags_text, active = 1,
			updated_at = excluded.updated_at, rev = excluded.rev, metadata = excluded.metadata
	`, sessionID, strOr(op.Payload, "kind"), strOr(op.Payload, "title"), strOr(op.Payload, "body_text"), strOr(op.Payload, "subtitle"),
		marshalStrings(strSliceOr(op.Payload, "facts")), marshalStrings(strSliceOr(op.Payload, "concepts")),
		marshalStrings(strSliceOr(op.Payload, "files_read")), marshalStrings(strSliceOr(op.Payload, "files_modified")),
		floatOr(op.Payload, "confidence", 1.0), strOr(op.Payload, "tags_text"),
		op.Clock.UpdatedAt.UnixMilli(), op.Clock.UpdatedAt.UnixMilli(), op.Clock.Rev, marshalJSONMap(metadata), op.EntityID)
	return err
}

// findOrCreatePeerSession returns the id of the placeholder session that
// holds replicated memory items originating from deviceID, creating one
// (keyed by a stable import_key) on first use.
func findOrCreatePeerSession(tx *sql.Tx, deviceID, project string) (int64, error) {
	importKey := "peer-session:" + deviceID
	var id int64
	err := tx.QueryRow(`SELECT id FROM sessions WHERE import_key = ?`, importKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup peer session: %w", err)
	}
	res, err := tx.Exec(`
		INSERT INTO sessions (started_at, cwd, project, git_remote, git_branch, user, tool_version, metadata, import_key)
		VALUES (?, '', ?, '', '', ?, '', '{}', ?)
	`, time.Now().UnixMilli(), project, deviceID, importKey)
	if err != nil {
		return 0, fmt.Errorf("create peer session: %w", err)
	}
	return res.LastInsertId()
}

func strOr(m JSONMap, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatOr(m JSONMap, key string, def float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return def
}

func strSliceOr(m JSONMap, key string) []string {
	v, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, e := range v {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func projectAllowed(project string, include, exclude []string) bool {
	for _, ex := range exclude {
		if ex == project {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, inc := range include {
		if inc == project {
			return true
		}
	}
	return false
}

// ChunkOpsBySize splits ops into chunks whose marshalled payload size
// stays under maxOpBodyBytes, so a push never exceeds the sync
// protocol's body cap.
func ChunkOpsBySize(ops []ReplicationOp) [][]ReplicationOp {
	var chunks [][]ReplicationOp
	var current []ReplicationOp
	size := 0
	for _, op := range ops {
		opSize := len(marshalJSONMap(op.Payload)) + 256 // header/envelope overhead estimate
		if size+opSize > maxOpBodyBytes && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, op)
		size += opSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// GetReplicationCursor returns the stored cursor pair for a peer.
func (s *Store) GetReplicationCursor(peerDeviceID string) (ReplicationCursor, error) {
	var c ReplicationCursor
	c.PeerDeviceID = peerDeviceID
	var updatedMs sql.NullInt64
	err := s.db.QueryRow(`
		SELECT last_applied_cursor, last_acked_cursor, updated_at FROM replication_cursors WHERE peer_device_id = ?
	`, peerDeviceID).Scan(&c.LastAppliedCursor, &c.LastAckedCursor, &updatedMs)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read replication cursor: %w", err)
	}
	if updatedMs.Valid {
		c.UpdatedAt = time.UnixMilli(updatedMs.Int64)
	}
	return c, nil
}

// SetReplicationCursor persists the cursor pair for a peer.
func (s *Store) SetReplicationCursor(c ReplicationCursor) error {
	_, err := s.db.Exec(`
		INSERT INTO replication_cursors (peer_device_id, last_applied_cursor, last_acked_cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET
			last_applied_cursor = excluded.last_applied_cursor,
			last_acked_cursor = excluded.last_acked_cursor,
			updated_at = excluded.updated_at
	`, c.PeerDeviceID, c.LastAppliedCursor, c.LastAckedCursor, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set replication cursor: %w", err)
	}
	return nil
}
