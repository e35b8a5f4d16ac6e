package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LocalDevice returns this machine's stored ed25519 signing identity, or
// nil when none has been saved yet. The returned DeviceID is the row key
// "local", not a device identifier.
func (s *Store) LocalDevice() (*SyncDevice, error) {
	var d SyncDevice
	err := s.db.QueryRow(`SELECT device_id, public_key, private_key, fingerprint FROM sync_devices WHERE device_id = 'local'`).
		Scan(&d.DeviceID, &d.PublicKey, &d.PrivateKey, &d.Fingerprint)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local device: %w", err)
	}
	return &d, nil
}

// SaveLocalDevice persists the local device's identity, called once
// during first-run key generation.
func (s *Store) SaveLocalDevice(d SyncDevice) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_devices (device_id, public_key, private_key, fingerprint) VALUES ('local', ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET public_key = excluded.public_key, private_key = excluded.private_key, fingerprint = excluded.fingerprint
	`, d.PublicKey, d.PrivateKey, d.Fingerprint)
	if err != nil {
		return fmt.Errorf("save local device: %w", err)
	}
	return nil
}

// UpsertPeer records or updates a paired remote device.
func (s *Store) UpsertPeer(p SyncPeer) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_peers (peer_device_id, name, pinned_fingerprint, public_key, addresses, project_filter_include, project_filter_exclude, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET
			name = excluded.name, pinned_fingerprint = excluded.pinned_fingerprint,
			public_key = excluded.public_key, addresses = excluded.addresses,
			project_filter_include = excluded.project_filter_include,
			project_filter_exclude = excluded.project_filter_exclude
	`, p.PeerDeviceID, p.Name, p.PinnedFingerprint, p.PublicKey, marshalStrings(p.Addresses),
		marshalStrings(p.ProjectFilterInclude), marshalStrings(p.ProjectFilterExclude), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// Peer looks up a paired peer by device id.
func (s *Store) Peer(peerDeviceID string) (*SyncPeer, error) {
	var p SyncPeer
	var addresses, incl, excl string
	var lastSeen, lastSync sql.NullInt64
	var createdMs int64
	err := s.db.QueryRow(`
		SELECT peer_device_id, name, pinned_fingerprint, public_key, addresses, last_seen_at, last_sync_at,
			last_error, project_filter_include, project_filter_exclude, created_at
		FROM sync_peers WHERE peer_device_id = ?
	`, peerDeviceID).Scan(&p.PeerDeviceID, &p.Name, &p.PinnedFingerprint, &p.PublicKey, &addresses,
		&lastSeen, &lastSync, &p.LastError, &incl, &excl, &createdMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read peer: %w", err)
	}
	p.Addresses = unmarshalStrings(addresses)
	p.ProjectFilterInclude = unmarshalStrings(incl)
	p.ProjectFilterExclude = unmarshalStrings(excl)
	p.CreatedAt = time.UnixMilli(createdMs)
	if lastSeen.Valid {
		t := time.UnixMilli(lastSeen.Int64)
		p.LastSeenAt = &t
	}
	if lastSync.Valid {
		t := time.UnixMilli(lastSync.Int64)
		p.LastSyncAt = &t
	}
	return &p, nil
}

// Peers lists every paired device.
func (s *Store) Peers() ([]SyncPeer, error) {
	rows, err := s.db.Query(`SELECT peer_device_id FROM sync_peers`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []SyncPeer
	for _, id := range ids {
		p, err := s.Peer(id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

// UpdatePeerAddresses replaces a peer's stored dial addresses, most
// recently successful first.
func (s *Store) UpdatePeerAddresses(peerDeviceID string, addresses []string) error {
	_, err := s.db.Exec(`UPDATE sync_peers SET addresses = ? WHERE peer_device_id = ?`,
		marshalStrings(addresses), peerDeviceID)
	if err != nil {
		return fmt.Errorf("update peer addresses: %w", err)
	}
	return nil
}

// RenamePeer updates a paired peer's display name.
func (s *Store) RenamePeer(peerDeviceID, name string) error {
	_, err := s.db.Exec(`UPDATE sync_peers SET name = ? WHERE peer_device_id = ?`, name, peerDeviceID)
	return err
}

// RemovePeer unpairs a device, dropping its cursor bookkeeping with it.
func (s *Store) RemovePeer(peerDeviceID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM sync_peers WHERE peer_device_id = ?`, peerDeviceID); err != nil {
			return fmt.Errorf("delete peer: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM replication_cursors WHERE peer_device_id = ?`, peerDeviceID); err != nil {
			return fmt.Errorf("delete peer cursor: %w", err)
		}
		return nil
	})
}

// RecentSyncAttempts returns the newest limit attempt rows, newest first.
func (s *Store) RecentSyncAttempts(limit int) ([]SyncAttempt, error) {
	rows, err := s.db.Query(`
		SELECT id, peer_device_id, ok, ops_in, ops_out, error, created_at
		FROM sync_attempts ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync attempts: %w", err)
	}
	defer rows.Close()

	var out []SyncAttempt
	for rows.Next() {
		var a SyncAttempt
		var ok int
		var createdMs int64
		if err := rows.Scan(&a.ID, &a.PeerDeviceID, &ok, &a.OpsIn, &a.OpsOut, &a.Error, &createdMs); err != nil {
			return nil, err
		}
		a.OK = ok != 0
		a.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, a)
	}
	return out, rows.Err()
}

// TouchPeerSeen records that a peer was just observed (auth succeeded).
func (s *Store) TouchPeerSeen(peerDeviceID string) error {
	_, err := s.db.Exec(`UPDATE sync_peers SET last_seen_at = ? WHERE peer_device_id = ?`, time.Now().UnixMilli(), peerDeviceID)
	return err
}

// RecordSyncAttempt appends one sync-pass outcome and updates the peer's
// last_sync_at / last_error bookkeeping.
func (s *Store) RecordSyncAttempt(a SyncAttempt) error {
	return s.withTx(func(tx *sql.Tx) error {
		now := time.Now()
		if _, err := tx.Exec(`
			INSERT INTO sync_attempts (peer_device_id, ok, ops_in, ops_out, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a.PeerDeviceID, boolToInt(a.OK), a.OpsIn, a.OpsOut, a.Error, now.UnixMilli()); err != nil {
			return fmt.Errorf("insert sync_attempt: %w", err)
		}
		if a.OK {
			if _, err := tx.Exec(`UPDATE sync_peers SET last_sync_at = ?, last_error = '' WHERE peer_device_id = ?`, now.UnixMilli(), a.PeerDeviceID); err != nil {
				return fmt.Errorf("update peer on success: %w", err)
			}
		} else {
			if _, err := tx.Exec(`UPDATE sync_peers SET last_error = ? WHERE peer_device_id = ?`, a.Error, a.PeerDeviceID); err != nil {
				return fmt.Errorf("update peer on failure: %w", err)
			}
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpdateDaemonState records the outcome of one daemon tick.
func (s *Store) UpdateDaemonState(ok bool, errMsg string) error {
	now := time.Now().UnixMilli()
	if ok {
		_, err := s.db.Exec(`
			INSERT INTO sync_daemon_state (id, last_ok_at, last_error, last_tick_at) VALUES (1, ?, '', ?)
			ON CONFLICT(id) DO UPDATE SET last_ok_at = excluded.last_ok_at, last_error = '', last_tick_at = excluded.last_tick_at
		`, now, now)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO sync_daemon_state (id, last_error, last_tick_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_error = excluded.last_error, last_tick_at = excluded.last_tick_at
	`, errMsg, now)
	return err
}

// DaemonState returns the current daemon health row.
func (s *Store) DaemonState() (SyncDaemonState, error) {
	var st SyncDaemonState
	var lastOK, lastTick sql.NullInt64
	err := s.db.QueryRow(`SELECT last_ok_at, last_error, last_tick_at FROM sync_daemon_state WHERE id = 1`).
		Scan(&lastOK, &st.LastError, &lastTick)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read daemon state: %w", err)
	}
	if lastOK.Valid {
		t := time.UnixMilli(lastOK.Int64)
		st.LastOKAt = &t
	}
	if lastTick.Valid {
		t := time.UnixMilli(lastTick.Int64)
		st.LastTickAt = &t
	}
	return st, nil
}
