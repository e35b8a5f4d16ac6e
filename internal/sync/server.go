package sync

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/roelfdiedericks/codemem/internal/errs"
	"github.com/roelfdiedericks/codemem/internal/store"
	. "github.com/roelfdiedericks/codemem/internal/logging"
)

// maxRequestBodyBytes is the sync protocol's body cap, per spec.md §4.8:
// POST /v1/ops rejects a body over this size with 413.
const maxRequestBodyBytes = 1 << 20

// maxOpsPerPush bounds how many ops one POST /v1/ops call may carry, a
// second line of defense against an oversized push alongside the byte cap.
const maxOpsPerPush = 5000

// Server exposes the /v1/status, /v1/ops (GET) and /v1/ops (POST)
// endpoints over mutually-authenticated HTTP, following the teacher's
// http.Server wiring shape (ServeMux + a logging/auth middleware chain)
// generalized from Basic-Auth to signed-request verification.
type Server struct {
	st        *store.Store
	identity  *Identity
	verifier  *Verifier
	advertise []string

	httpServer *http.Server
}

// NewServer constructs the sync HTTP server bound to listenAddr.
// advertise is the address list returned from /v1/status, chosen by the
// sync_advertise config key.
func NewServer(st *store.Store, identity *Identity, listenAddr string, advertise ...string) *Server {
	s := &Server{st: st, identity: identity, verifier: NewVerifier(st), advertise: advertise}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", s.logRequest(s.handleStatus))
	mux.HandleFunc("/v1/ops", s.logRequest(s.handleOps))

	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	go func() {
		L_info("sync: server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			L_error("sync: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

func (s *Server) logRequest(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		L_trace("sync: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	}
}

// statusResponse is the GET /v1/status payload, per spec.md §4.8.
type statusResponse struct {
	DeviceID    string   `json:"device_id"`
	Fingerprint string   `json:"fingerprint"`
	Addresses   []string `json:"addresses"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.authenticate(r, nil); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		DeviceID:    s.identity.DeviceID,
		Fingerprint: s.identity.Fingerprint,
		Addresses:   s.advertise,
	})
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetOps(w, r)
	case http.MethodPost:
		s.handlePostOps(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// getOpsResponse is GET /v1/ops's payload, per spec.md §4.8.
type getOpsResponse struct {
	Ops        []opWire `json:"ops"`
	NextCursor string   `json:"next_cursor,omitempty"`
	Skipped    int      `json:"skipped,omitempty"`
}

func (s *Server) handleGetOps(w http.ResponseWriter, r *http.Request) {
	peer, err := s.authenticate(r, nil)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	since := r.URL.Query().Get("since")
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	ops, nextCursor, skipped, err := s.st.OpsForPeer(*peer, since, limit)
	if err != nil {
		L_error("sync: ops for peer failed", "peer", peer.PeerDeviceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, getOpsResponse{
		Ops:        toWireOps(ops),
		NextCursor: nextCursor,
		Skipped:    skipped,
	})
}

// postOpsResponse is POST /v1/ops's success payload, per spec.md §4.8.
type postOpsResponse struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

func (s *Server) handlePostOps(w http.ResponseWriter, r *http.Request) {
	limited := io.LimitReader(r.Body, maxRequestBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}

	peer, err := s.authenticate(r, body)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	var req struct {
		Ops []opWire `json:"ops"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Ops) > maxOpsPerPush {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "too_many_ops")
		return
	}

	now := time.Now()
	inserted, updated := 0, 0
	for _, wireOp := range req.Ops {
		op := fromWireOp(wireOp)
		op = store.SanitizeInboundOp(op, peer.PeerDeviceID, now)
		applied, err := s.st.ApplyRemoteOp(op, peer.ProjectFilterInclude, peer.ProjectFilterExclude)
		if err != nil {
			L_error("sync: apply remote op failed", "peer", peer.PeerDeviceID, "op_id", op.OpID, "error", err)
			continue
		}
		if applied {
			if op.OpType == store.OpDelete {
				updated++
			} else {
				inserted++
			}
		}
	}

	writeJSON(w, http.StatusOK, postOpsResponse{Inserted: inserted, Updated: updated})
}

// authenticate verifies the request's signature headers and returns the
// matched peer, translating the verifier's errs.Error into an HTTP status
// the caller writes via writeAuthError.
func (s *Server) authenticate(r *http.Request, body []byte) (*store.SyncPeer, error) {
	return s.verifier.Verify(r, body)
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch errs.KindOf(err) {
	case errs.KindForbidden:
		writeJSONError(w, http.StatusForbidden, "forbidden")
	default:
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_warn("sync: failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// opWire is the over-the-wire JSON shape of a ReplicationOp.
type opWire struct {
	OpID        string         `json:"op_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	OpType      string         `json:"op_type"`
	Payload     map[string]any `json:"payload"`
	ClockRev    int64          `json:"clock_rev"`
	ClockAt     int64          `json:"clock_updated_at"`
	ClockDevice string         `json:"clock_device_id"`
	DeviceID    string         `json:"device_id"`
	CreatedAt   int64          `json:"created_at"`
}

func toWireOps(ops []store.ReplicationOp) []opWire {
	out := make([]opWire, len(ops))
	for i, op := range ops {
		out[i] = opWire{
			OpID: op.OpID, EntityType: op.EntityType, EntityID: op.EntityID, OpType: string(op.OpType),
			Payload: op.Payload, ClockRev: op.Clock.Rev, ClockAt: op.Clock.UpdatedAt.UnixMilli(),
			ClockDevice: op.Clock.DeviceID, DeviceID: op.DeviceID, CreatedAt: op.CreatedAt.UnixMilli(),
		}
	}
	return out
}

func fromWireOp(w opWire) store.ReplicationOp {
	return store.ReplicationOp{
		OpID: w.OpID, EntityType: w.EntityType, EntityID: w.EntityID, OpType: store.OpType(w.OpType),
		Payload: store.JSONMap(w.Payload),
		Clock: store.MemoryClock{
			Rev: w.ClockRev, UpdatedAt: time.UnixMilli(w.ClockAt), DeviceID: w.ClockDevice,
		},
		DeviceID:  w.DeviceID,
		CreatedAt: time.UnixMilli(w.CreatedAt),
	}
}
