package sync

import (
	gosync "sync"

	"github.com/roelfdiedericks/codemem/internal/store"
	. "github.com/roelfdiedericks/codemem/internal/logging"
)

// PeerDirectory resolves dial addresses for a paired peer. The LAN
// discovery transport (mDNS) lives behind this boundary; the core only
// ever asks "where might this peer be right now".
type PeerDirectory interface {
	// DialAddresses returns candidate addresses for peer, best first.
	DialAddresses(peer store.SyncPeer) []string
	// RecordSuccess notes that address answered for peer, so later
	// passes try it first.
	RecordSuccess(peerDeviceID, address string)
}

// StoredAddressDirectory is the discovery-less PeerDirectory: it serves
// the addresses recorded at pairing time (plus whichever one last
// worked), and persists reorderings back to the peer row so the
// preference survives restarts.
type StoredAddressDirectory struct {
	st *store.Store

	mu       gosync.Mutex
	lastGood map[string]string
}

// NewStoredAddressDirectory constructs the stored-address directory.
func NewStoredAddressDirectory(st *store.Store) *StoredAddressDirectory {
	return &StoredAddressDirectory{st: st, lastGood: map[string]string{}}
}

// DialAddresses returns the peer's stored addresses with the
// last-successful one moved to the front.
func (d *StoredAddressDirectory) DialAddresses(peer store.SyncPeer) []string {
	d.mu.Lock()
	good := d.lastGood[peer.PeerDeviceID]
	d.mu.Unlock()

	if good == "" {
		return peer.Addresses
	}
	out := make([]string, 0, len(peer.Addresses)+1)
	out = append(out, good)
	for _, a := range peer.Addresses {
		if a != good {
			out = append(out, a)
		}
	}
	return out
}

// RecordSuccess remembers the winning address and persists the
// reordered list.
func (d *StoredAddressDirectory) RecordSuccess(peerDeviceID, address string) {
	d.mu.Lock()
	d.lastGood[peerDeviceID] = address
	d.mu.Unlock()

	peer, err := d.st.Peer(peerDeviceID)
	if err != nil || peer == nil {
		return
	}
	reordered := []string{address}
	for _, a := range peer.Addresses {
		if a != address {
			reordered = append(reordered, a)
		}
	}
	if err := d.st.UpdatePeerAddresses(peerDeviceID, reordered); err != nil {
		L_warn("sync: failed to persist peer address order", "peer", peerDeviceID, "error", err)
	}
}
