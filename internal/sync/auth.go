// Package sync implements the mutually-authenticated LAN replication
// protocol: ed25519-signed HTTP requests, the /v1/status and /v1/ops
// endpoints, the outbound sync pass, and the background sync daemon.
package sync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/codemem/internal/errs"
	"github.com/roelfdiedericks/codemem/internal/store"
	. "github.com/roelfdiedericks/codemem/internal/logging"
)

// newDeviceID derives the device identifier from the signing public key
// as a name-based (SHA-1) UUID, so reloading the stored keypair yields
// the same id.
func newDeviceID(pub ed25519.PublicKey) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, pub).String()
}

// newNonce returns a random 128-bit hex string, per spec.md §4.8.
func newNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is a fatal environment problem; a
		// predictable fallback would defeat replay protection, so
		// this panics rather than silently weakening it.
		panic(fmt.Sprintf("sync: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// nonceValidity is how long a nonce is remembered for replay detection.
// Requests with a timestamp older than this are rejected outright.
const nonceValidity = 5 * time.Minute

const (
	headerDeviceID  = "X-Codemem-Device-Id"
	headerTimestamp = "X-Codemem-Timestamp"
	headerNonce     = "X-Codemem-Nonce"
	headerSignature = "X-Codemem-Signature"
)

// contextKey namespaces values stored in request context by this package.
type contextKey string

const peerContextKey contextKey = "codemem-peer"

// Identity is the local device's signing keypair and derived fingerprint.
type Identity struct {
	DeviceID    string
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	Fingerprint string
}

// LoadOrCreateIdentity returns the local device's signing identity,
// generating and persisting a new ed25519 keypair on first run.
func LoadOrCreateIdentity(st *store.Store) (*Identity, error) {
	d, err := st.LocalDevice()
	if err != nil {
		return nil, fmt.Errorf("load local device: %w", err)
	}
	if d != nil {
		return &Identity{
			DeviceID: newDeviceID(ed25519.PublicKey(d.PublicKey)), PublicKey: ed25519.PublicKey(d.PublicKey),
			PrivateKey: ed25519.PrivateKey(d.PrivateKey), Fingerprint: d.Fingerprint,
		}, nil
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	deviceID := newDeviceID(pub)
	fingerprint := Fingerprint(pub)

	if err := st.SaveLocalDevice(store.SyncDevice{
		DeviceID: deviceID, PublicKey: pub, PrivateKey: priv, Fingerprint: fingerprint,
	}); err != nil {
		return nil, fmt.Errorf("save local device: %w", err)
	}
	L_info("sync: generated new device identity", "device_id", deviceID, "fingerprint", fingerprint)
	return &Identity{DeviceID: deviceID, PublicKey: pub, PrivateKey: priv, Fingerprint: fingerprint}, nil
}

// Fingerprint returns the SHA-256 hex digest of a public key, the value
// pinned when a peer is paired.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// signingString builds the canonical string signed over: the request
// method, the path+query form of the URL (the only form both sides see
// identically), timestamp, nonce, and the SHA-256 hex digest of the body.
func signingString(method, url, timestamp, nonce string, bodySHA256 string) string {
	return strings.Join([]string{method, url, timestamp, nonce, bodySHA256}, "\n")
}

func sha256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignRequest attaches the identity-device, timestamp, nonce, and
// signature headers to an outbound request.
func (id *Identity) SignRequest(req *http.Request, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := newNonce()
	msg := signingString(req.Method, req.URL.RequestURI(), ts, nonce, sha256Hex(body))
	sig := ed25519.Sign(id.PrivateKey, []byte(msg))

	req.Header.Set(headerDeviceID, id.DeviceID)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, base64.RawURLEncoding.EncodeToString(sig))
}

// NonceCache tracks recently-seen (device_id, nonce) pairs to reject
// replays within the validity window.
type NonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewNonceCache constructs an empty replay cache.
func NewNonceCache() *NonceCache {
	return &NonceCache{seen: map[string]time.Time{}}
}

// CheckAndRemember returns true if (deviceID, nonce) has not been seen
// within the validity window, recording it as seen as a side effect.
func (c *NonceCache) CheckAndRemember(deviceID, nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked()
	key := deviceID + ":" + nonce
	if _, exists := c.seen[key]; exists {
		return false
	}
	c.seen[key] = time.Now()
	return true
}

func (c *NonceCache) evictLocked() {
	cutoff := time.Now().Add(-nonceValidity)
	for k, t := range c.seen {
		if t.Before(cutoff) {
			delete(c.seen, k)
		}
	}
}

// Verifier authenticates inbound sync-protocol requests against the set
// of paired peers.
type Verifier struct {
	st     *store.Store
	nonces *NonceCache
}

// NewVerifier constructs a Verifier backed by st's paired-peer table.
func NewVerifier(st *store.Store) *Verifier {
	return &Verifier{st: st, nonces: NewNonceCache()}
}

// Verify checks an inbound request's signature headers against the
// named peer's pinned public key, rejecting unknown peers, stale or
// replayed requests, and bad signatures.
func (v *Verifier) Verify(r *http.Request, body []byte) (*store.SyncPeer, error) {
	deviceID := r.Header.Get(headerDeviceID)
	timestamp := r.Header.Get(headerTimestamp)
	nonce := r.Header.Get(headerNonce)
	signature := r.Header.Get(headerSignature)

	if deviceID == "" || timestamp == "" || nonce == "" || signature == "" {
		return nil, errs.Unauthorized("missing auth headers")
	}

	peer, err := v.st.Peer(deviceID)
	if err != nil {
		return nil, fmt.Errorf("lookup peer: %w", err)
	}
	if peer == nil {
		return nil, errs.Unauthorized("unknown peer")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, errs.Unauthorized("invalid timestamp")
	}
	if age := time.Since(time.Unix(ts, 0)); age > nonceValidity || age < -nonceValidity {
		return nil, errs.Unauthorized("stale timestamp")
	}

	if !v.nonces.CheckAndRemember(deviceID, nonce) {
		return nil, errs.Unauthorized("replayed nonce")
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return nil, errs.Unauthorized("invalid signature encoding")
	}

	msg := signingString(r.Method, r.URL.RequestURI(), timestamp, nonce, sha256Hex(body))
	if !ed25519.Verify(ed25519.PublicKey(peer.PublicKey), []byte(msg), sig) {
		return nil, errs.Unauthorized("signature verification failed")
	}

	// A fingerprint mismatch answers 401 like every other auth failure,
	// not 403.
	if Fingerprint(peer.PublicKey) != peer.PinnedFingerprint {
		return nil, errs.Unauthorized("peer fingerprint mismatch")
	}

	if err := v.st.TouchPeerSeen(deviceID); err != nil {
		L_warn("sync: failed to update peer last-seen", "peer", deviceID, "error", err)
	}

	return peer, nil
}

func setPeerInContext(ctx context.Context, peer *store.SyncPeer) context.Context {
	return context.WithValue(ctx, peerContextKey, peer)
}

func peerFromContext(ctx context.Context) *store.SyncPeer {
	if p, ok := ctx.Value(peerContextKey).(*store.SyncPeer); ok {
		return p
	}
	return nil
}
