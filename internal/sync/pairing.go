package sync

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/roelfdiedericks/codemem/internal/errs"
	"github.com/roelfdiedericks/codemem/internal/store"
)

// PairingPayload is the out-of-band pairing document (QR code or pasted
// JSON). The fingerprint is the trust anchor: accepting a payload pins
// it against the carried public key forever.
type PairingPayload struct {
	DeviceID    string   `json:"device_id"`
	Fingerprint string   `json:"fingerprint"`
	PublicKey   string   `json:"public_key"` // base64(raw ed25519 key)
	Addresses   []string `json:"addresses"`
}

// LocalPairingPayload builds this device's pairing document with the
// addresses the operator chose to advertise.
func LocalPairingPayload(identity *Identity, addresses []string) PairingPayload {
	return PairingPayload{
		DeviceID:    identity.DeviceID,
		Fingerprint: identity.Fingerprint,
		PublicKey:   base64.StdEncoding.EncodeToString(identity.PublicKey),
		Addresses:   addresses,
	}
}

// Encode renders the payload as a single-line JSON document.
func (p PairingPayload) Encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode pairing payload: %w", err)
	}
	return string(b), nil
}

// DecodePairingPayload parses a pairing document.
func DecodePairingPayload(raw string) (PairingPayload, error) {
	var p PairingPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, errs.InvalidInput("malformed pairing payload", err)
	}
	if p.DeviceID == "" || p.Fingerprint == "" || p.PublicKey == "" {
		return p, errs.InvalidInput("pairing payload missing device_id, fingerprint, or public_key", nil)
	}
	return p, nil
}

// AcceptPairing verifies the payload's fingerprint against its public
// key and pins the peer. A fingerprint that does not match the key is a
// forgery (or corruption) and is rejected outright.
func AcceptPairing(st *store.Store, p PairingPayload, name string) error {
	pub, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil {
		return errs.InvalidInput("pairing public_key is not valid base64", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return errs.InvalidInput(fmt.Sprintf("pairing public_key has wrong size %d", len(pub)), nil)
	}
	if Fingerprint(ed25519.PublicKey(pub)) != p.Fingerprint {
		return errs.InvalidInput("pairing fingerprint does not match public key", nil)
	}

	if name == "" {
		name = p.DeviceID
	}
	return st.UpsertPeer(store.SyncPeer{
		PeerDeviceID:      p.DeviceID,
		Name:              name,
		PinnedFingerprint: p.Fingerprint,
		PublicKey:         pub,
		Addresses:         p.Addresses,
	})
}
