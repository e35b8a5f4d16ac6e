package sync

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roelfdiedericks/codemem/internal/config"
	"github.com/roelfdiedericks/codemem/internal/store"
)

func setupTestStore(t *testing.T, name string) *store.Store {
	t.Helper()
	st, err := store.OpenAt(filepath.Join(t.TempDir(), name+".sqlite"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testIdentity(t *testing.T, st *store.Store) *Identity {
	t.Helper()
	id, err := LoadOrCreateIdentity(st)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	return id
}

// pairBoth registers each identity as a peer in the other's store.
func pairBoth(t *testing.T, stA *store.Store, idA *Identity, stB *store.Store, idB *Identity) {
	t.Helper()
	payloadA := LocalPairingPayload(idA, nil)
	payloadB := LocalPairingPayload(idB, nil)
	if err := AcceptPairing(stA, payloadB, "device-b"); err != nil {
		t.Fatalf("pair B into A failed: %v", err)
	}
	if err := AcceptPairing(stB, payloadA, "device-a"); err != nil {
		t.Fatalf("pair A into B failed: %v", err)
	}
}

func startTestServer(t *testing.T, st *store.Store, id *Identity) *httptest.Server {
	t.Helper()
	srv := NewServer(st, id, "127.0.0.1:0")
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestIdentityPersistence(t *testing.T) {
	st := setupTestStore(t, "ident")
	first := testIdentity(t, st)
	second := testIdentity(t, st)
	if first.DeviceID != second.DeviceID {
		t.Error("identity must be stable across loads")
	}
	if first.Fingerprint != Fingerprint(second.PublicKey) {
		t.Error("fingerprint must derive from the public key")
	}
}

func TestVerifyAcceptsSignedRequest(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	idA, idB := testIdentity(t, stA), testIdentity(t, stB)
	pairBoth(t, stA, idA, stB, idB)

	verifier := NewVerifier(stA)
	req := httptest.NewRequest(http.MethodGet, "http://peer/v1/status", nil)
	idB.SignRequest(req, nil)

	peer, err := verifier.Verify(req, nil)
	if err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if peer.PeerDeviceID != idB.DeviceID {
		t.Errorf("wrong peer matched: %s", peer.PeerDeviceID)
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	idA, idB := testIdentity(t, stA), testIdentity(t, stB)
	pairBoth(t, stA, idA, stB, idB)

	verifier := NewVerifier(stA)
	req := httptest.NewRequest(http.MethodGet, "http://peer/v1/status", nil)
	idB.SignRequest(req, nil)

	if _, err := verifier.Verify(req, nil); err != nil {
		t.Fatalf("first use rejected: %v", err)
	}
	if _, err := verifier.Verify(req, nil); err == nil {
		t.Fatal("replayed nonce must be rejected")
	}
}

func TestVerifyRejectsUnknownPeer(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	testIdentity(t, stA)
	idB := testIdentity(t, stB)
	// B is NOT paired into A.

	verifier := NewVerifier(stA)
	req := httptest.NewRequest(http.MethodGet, "http://peer/v1/status", nil)
	idB.SignRequest(req, nil)
	if _, err := verifier.Verify(req, nil); err == nil {
		t.Fatal("unknown peer must be rejected")
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	idA, idB := testIdentity(t, stA), testIdentity(t, stB)
	pairBoth(t, stA, idA, stB, idB)

	verifier := NewVerifier(stA)
	body := []byte(`{"ops":[]}`)
	req := httptest.NewRequest(http.MethodPost, "http://peer/v1/ops", bytes.NewReader(body))
	idB.SignRequest(req, body)

	if _, err := verifier.Verify(req, []byte(`{"ops":[{}]}`)); err == nil {
		t.Fatal("tampered body must fail signature verification")
	}
}

func TestVerifyRejectsFingerprintMismatch(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	idA, idB := testIdentity(t, stA), testIdentity(t, stB)
	pairBoth(t, stA, idA, stB, idB)

	// Corrupt the pinned fingerprint: the stored key no longer matches it.
	peer, _ := stA.Peer(idB.DeviceID)
	peer.PinnedFingerprint = strings.Repeat("0", 64)
	if err := stA.UpsertPeer(*peer); err != nil {
		t.Fatal(err)
	}

	verifier := NewVerifier(stA)
	req := httptest.NewRequest(http.MethodGet, "http://peer/v1/status", nil)
	idB.SignRequest(req, nil)
	_, err := verifier.Verify(req, nil)
	if err == nil {
		t.Fatal("fingerprint mismatch must be rejected")
	}

	// The mismatch maps to 401, same as every other auth failure.
	rec := httptest.NewRecorder()
	writeAuthError(rec, err)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("fingerprint mismatch mapped to %d, want 401", rec.Code)
	}
}

func TestPairingRejectsForgedFingerprint(t *testing.T) {
	st := setupTestStore(t, "a")
	id := testIdentity(t, st)

	payload := LocalPairingPayload(id, []string{"http://10.0.0.5:47621"})
	payload.Fingerprint = strings.Repeat("f", 64)
	if err := AcceptPairing(setupTestStore(t, "b"), payload, ""); err == nil {
		t.Fatal("forged fingerprint must be rejected")
	}
}

func TestServerPushTooLarge(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	idA, idB := testIdentity(t, stA), testIdentity(t, stB)
	pairBoth(t, stA, idA, stB, idB)
	ts := startTestServer(t, stA, idA)

	body := bytes.Repeat([]byte("x"), maxRequestBodyBytes+100)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/ops", bytes.NewReader(body))
	idB.SignRequest(req, body)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	var errBody map[string]string
	json.NewDecoder(resp.Body).Decode(&errBody)
	if errBody["error"] != "payload_too_large" {
		t.Errorf("expected payload_too_large, got %q", errBody["error"])
	}
}

func TestServerStatusAndAuthReplayEndToEnd(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	idA, idB := testIdentity(t, stA), testIdentity(t, stB)
	pairBoth(t, stA, idA, stB, idB)
	ts := startTestServer(t, stA, idA)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	idB.SignRequest(req, nil)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var status statusResponse
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if status.Fingerprint != idA.Fingerprint {
		t.Errorf("status fingerprint mismatch: %s", status.Fingerprint)
	}

	// Identical signed request again: replay, 401.
	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	req2.Header = req.Header.Clone()
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("replay request failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay should 401, got %d", resp2.StatusCode)
	}
}

// TestPeerPassEndToEnd seeds one memory on each device, runs A's pass
// against B's server, and checks both directions converge.
func TestPeerPassEndToEnd(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	idA, idB := testIdentity(t, stA), testIdentity(t, stB)
	pairBoth(t, stA, idA, stB, idB)

	sessionA, err := stA.StartSession("/w/alpha", "alpha", "", "", "u", "dev", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stA.Remember(store.RememberInput{
		SessionID: sessionA, Kind: store.KindDecision,
		Title: "written on A", BodyText: "this row should reach device B",
		ImportKey: "key-from-a", DeviceID: idA.DeviceID,
	}); err != nil {
		t.Fatal(err)
	}

	sessionB, err := stB.StartSession("/w/alpha", "alpha", "", "", "u", "dev", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stB.Remember(store.RememberInput{
		SessionID: sessionB, Kind: store.KindNote,
		Title: "written on B", BodyText: "this row should reach device A",
		ImportKey: "key-from-b", DeviceID: idB.DeviceID,
	}); err != nil {
		t.Fatal(err)
	}

	// Serve B; A runs the pass against it.
	ts := startTestServer(t, stB, idB)
	peerB, _ := stA.Peer(idB.DeviceID)
	peerB.Addresses = []string{ts.URL}
	if err := stA.UpsertPeer(*peerB); err != nil {
		t.Fatal(err)
	}

	client := NewClient(stA, idA, NewStoredAddressDirectory(stA))
	peer, _ := stA.Peer(idB.DeviceID)
	if err := client.PeerPass(context.Background(), *peer); err != nil {
		t.Fatalf("PeerPass failed: %v", err)
	}

	assertHasMemory(t, stA, "key-from-b", "written on B")
	assertHasMemory(t, stB, "key-from-a", "written on A")

	// Cursors advanced and the attempt was recorded.
	cursor, err := stA.GetReplicationCursor(idB.DeviceID)
	if err != nil {
		t.Fatal(err)
	}
	if cursor.LastAppliedCursor == "" || cursor.LastAckedCursor == "" {
		t.Errorf("cursors not advanced: %+v", cursor)
	}
	attempts, err := stA.RecentSyncAttempts(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || !attempts[0].OK {
		t.Fatalf("expected one successful attempt, got %+v", attempts)
	}
	if attempts[0].OpsIn != 1 || attempts[0].OpsOut != 1 {
		t.Errorf("expected 1 op each way, got in=%d out=%d", attempts[0].OpsIn, attempts[0].OpsOut)
	}

	// A second pass moves nothing.
	peer, _ = stA.Peer(idB.DeviceID)
	if err := client.PeerPass(context.Background(), *peer); err != nil {
		t.Fatalf("second PeerPass failed: %v", err)
	}
	attempts, _ = stA.RecentSyncAttempts(5)
	if attempts[0].OpsIn != 0 || attempts[0].OpsOut != 0 {
		t.Errorf("second pass should be empty, got in=%d out=%d", attempts[0].OpsIn, attempts[0].OpsOut)
	}
}

func assertHasMemory(t *testing.T, st *store.Store, importKey, wantTitle string) {
	t.Helper()
	var title string
	if err := st.DB().QueryRow(`SELECT title FROM memory_items WHERE import_key = ?`, importKey).Scan(&title); err != nil {
		t.Fatalf("memory %s missing: %v", importKey, err)
	}
	if title != wantTitle {
		t.Errorf("memory %s has title %q, want %q", importKey, title, wantTitle)
	}
}

func TestPeerPassProjectFilterOutbound(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	idA, idB := testIdentity(t, stA), testIdentity(t, stB)
	pairBoth(t, stA, idA, stB, idB)

	// A writes into project beta; B only wants alpha.
	sessionA, _ := stA.StartSession("/w/beta", "beta", "", "", "u", "dev", "", nil)
	if _, err := stA.Remember(store.RememberInput{
		SessionID: sessionA, Kind: store.KindNote,
		Title: "beta only", BodyText: "must not replicate to B",
		ImportKey: "beta-key", DeviceID: idA.DeviceID,
	}); err != nil {
		t.Fatal(err)
	}

	peerB, _ := stA.Peer(idB.DeviceID)
	peerB.ProjectFilterInclude = []string{"alpha"}
	if err := stA.UpsertPeer(*peerB); err != nil {
		t.Fatal(err)
	}

	ts := startTestServer(t, stB, idB)
	peerB, _ = stA.Peer(idB.DeviceID)
	peerB.Addresses = []string{ts.URL}
	if err := stA.UpsertPeer(*peerB); err != nil {
		t.Fatal(err)
	}

	client := NewClient(stA, idA, NewStoredAddressDirectory(stA))
	peer, _ := stA.Peer(idB.DeviceID)
	if err := client.PeerPass(context.Background(), *peer); err != nil {
		t.Fatalf("PeerPass failed: %v", err)
	}

	var count int
	stB.DB().QueryRow(`SELECT COUNT(*) FROM memory_items WHERE import_key = 'beta-key'`).Scan(&count)
	if count != 0 {
		t.Error("filtered op leaked to peer")
	}

	// The ack cursor still advanced past the filtered op, so the next
	// pass does not rescan it.
	cursor, _ := stA.GetReplicationCursor(idB.DeviceID)
	if cursor.LastAckedCursor == "" {
		t.Error("ack cursor must advance past filtered ops")
	}
}

func TestPushRejectsOversizedSingleOp(t *testing.T) {
	stA := setupTestStore(t, "a")
	stB := setupTestStore(t, "b")
	idA, idB := testIdentity(t, stA), testIdentity(t, stB)
	pairBoth(t, stA, idA, stB, idB)

	sessionA, _ := stA.StartSession("/w/alpha", "alpha", "", "", "u", "dev", "", nil)
	if _, err := stA.Remember(store.RememberInput{
		SessionID: sessionA, Kind: store.KindNote,
		Title: "huge", BodyText: strings.Repeat("z", maxRequestBodyBytes+1000),
		ImportKey: "huge-key", DeviceID: idA.DeviceID,
	}); err != nil {
		t.Fatal(err)
	}

	requests := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			requests++
		}
		// Minimal status/pull responses so the pass reaches push.
		switch {
		case strings.HasSuffix(r.URL.Path, "/v1/status"):
			json.NewEncoder(w).Encode(statusResponse{DeviceID: idB.DeviceID, Fingerprint: idB.Fingerprint})
		default:
			json.NewEncoder(w).Encode(getOpsResponse{})
		}
	}))
	defer ts.Close()

	peerB, _ := stA.Peer(idB.DeviceID)
	peerB.Addresses = []string{ts.URL}
	stA.UpsertPeer(*peerB)

	client := NewClient(stA, idA, NewStoredAddressDirectory(stA))
	peer, _ := stA.Peer(idB.DeviceID)
	err := client.PeerPass(context.Background(), *peer)
	if err == nil {
		t.Fatal("oversized single op must fail the push")
	}
	if requests != 0 {
		t.Errorf("no chunk may be sent before the size check, saw %d POSTs", requests)
	}
}

func TestNonceCacheEviction(t *testing.T) {
	c := NewNonceCache()
	if !c.CheckAndRemember("dev", "n1") {
		t.Fatal("fresh nonce rejected")
	}
	if c.CheckAndRemember("dev", "n1") {
		t.Fatal("repeated nonce accepted")
	}
	// Different device, same nonce string: distinct key.
	if !c.CheckAndRemember("dev2", "n1") {
		t.Fatal("nonce scoped per device")
	}
}

func TestAdvertiseAddressesLiteralHost(t *testing.T) {
	cfg := config.Default()
	cfg.SyncAdvertise = "workstation.local"
	cfg.SyncPort = 47621
	addrs := AdvertiseAddresses(cfg)
	if len(addrs) != 1 || addrs[0] != "http://workstation.local:47621" {
		t.Errorf("unexpected advertise addresses: %v", addrs)
	}
}

func TestSignatureCoversMethodAndURL(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	id := &Identity{DeviceID: "d", PrivateKey: priv}

	req := httptest.NewRequest(http.MethodGet, "http://host/v1/ops?since=abc&limit=5", nil)
	id.SignRequest(req, nil)

	ts := req.Header.Get(headerTimestamp)
	nonce := req.Header.Get(headerNonce)
	msg := signingString(http.MethodGet, "/v1/ops?since=abc&limit=5", ts, nonce, sha256Hex(nil))
	sig := req.Header.Get(headerSignature)
	want := base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, []byte(msg)))
	if sig != want {
		t.Error("signature must cover method and path+query exactly")
	}
}

