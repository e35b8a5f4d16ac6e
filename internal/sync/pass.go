package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/roelfdiedericks/codemem/internal/errs"
	"github.com/roelfdiedericks/codemem/internal/store"
	. "github.com/roelfdiedericks/codemem/internal/logging"
)

const (
	// statusTimeout bounds the /v1/status preflight and ops pulls;
	// pushes get a longer budget since their bodies run to 1 MiB.
	statusTimeout = 3 * time.Second
	pushTimeout   = 30 * time.Second

	pullPageSize = 200
	// maxPullRounds bounds one pass's pull loop so a peer with a deep
	// backlog is drained over several ticks instead of one unbounded one.
	maxPullRounds = 50
)

// Client drives the outbound half of the sync protocol: one PeerPass
// call per configured peer per daemon tick.
type Client struct {
	st        *store.Store
	identity  *Identity
	directory PeerDirectory

	httpClient *http.Client
	pushClient *http.Client
}

// NewClient constructs the sync client.
func NewClient(st *store.Store, identity *Identity, directory PeerDirectory) *Client {
	return &Client{
		st:         st,
		identity:   identity,
		directory:  directory,
		httpClient: &http.Client{Timeout: statusTimeout},
		pushClient: &http.Client{Timeout: pushTimeout},
	}
}

// PeerPass runs one full pass against a peer: resolve addresses, pin
// check, pull+apply, push, bookkeeping. It records a SyncAttempt row
// whatever the outcome and returns the first error encountered.
func (c *Client) PeerPass(ctx context.Context, peer store.SyncPeer) error {
	addresses := c.directory.DialAddresses(peer)
	if len(addresses) == 0 {
		err := fmt.Errorf("peer %s has no known addresses", peer.PeerDeviceID)
		c.recordAttempt(peer, 0, 0, err)
		return err
	}

	var lastErr error
	for _, addr := range addresses {
		opsIn, opsOut, err := c.passAddress(ctx, peer, addr)
		if err != nil {
			L_debug("sync: address failed", "peer", peer.PeerDeviceID, "addr", addr, "error", err)
			lastErr = err
			continue
		}
		c.directory.RecordSuccess(peer.PeerDeviceID, addr)
		c.recordAttempt(peer, opsIn, opsOut, nil)
		return nil
	}

	c.recordAttempt(peer, 0, 0, lastErr)
	return lastErr
}

// passAddress tries one address end to end: status preflight with
// fingerprint pin check, pull, then push.
func (c *Client) passAddress(ctx context.Context, peer store.SyncPeer, addr string) (opsIn, opsOut int, err error) {
	status, err := c.status(ctx, addr)
	if err != nil {
		return 0, 0, err
	}
	if status.Fingerprint != peer.PinnedFingerprint {
		return 0, 0, errs.Forbidden(fmt.Sprintf(
			"peer %s at %s presented fingerprint %s, pinned %s",
			peer.PeerDeviceID, addr, status.Fingerprint, peer.PinnedFingerprint))
	}

	opsIn, err = c.pull(ctx, peer, addr)
	if err != nil {
		return opsIn, 0, err
	}
	opsOut, err = c.push(ctx, peer, addr)
	return opsIn, opsOut, err
}

// status calls GET /v1/status on addr.
func (c *Client) status(ctx context.Context, addr string) (*statusResponse, error) {
	var resp statusResponse
	if err := c.signedGet(ctx, addr+"/v1/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// pull fetches ops strictly after last_applied, applies them, and
// advances the cursor — from the last applied op when ops were
// returned, or from next_cursor when the window was entirely filtered
// out on the remote side (so the same gap is not re-polled forever).
func (c *Client) pull(ctx context.Context, peer store.SyncPeer, addr string) (int, error) {
	cursor, err := c.st.GetReplicationCursor(peer.PeerDeviceID)
	if err != nil {
		return 0, err
	}

	applied := 0
	since := cursor.LastAppliedCursor
	for round := 0; round < maxPullRounds; round++ {
		var resp getOpsResponse
		u := addr + "/v1/ops?since=" + url.QueryEscape(since) + "&limit=" + strconv.Itoa(pullPageSize)
		if err := c.signedGet(ctx, u, &resp); err != nil {
			return applied, err
		}
		if len(resp.Ops) == 0 && resp.Skipped == 0 {
			break
		}

		now := time.Now()
		advanced := since
		for _, wireOp := range resp.Ops {
			op := store.SanitizeInboundOp(fromWireOp(wireOp), peer.PeerDeviceID, now)
			ok, err := c.st.ApplyRemoteOp(op, nil, nil)
			if err != nil {
				return applied, fmt.Errorf("apply op %s: %w", op.OpID, err)
			}
			if ok {
				applied++
			}
			advanced = op.Cursor()
		}
		if resp.NextCursor != "" && resp.NextCursor > advanced {
			advanced = resp.NextCursor
		}
		if advanced == since {
			break
		}
		since = advanced

		cursor.LastAppliedCursor = since
		if err := c.st.SetReplicationCursor(cursor); err != nil {
			return applied, err
		}
		if len(resp.Ops) < pullPageSize && resp.Skipped == 0 {
			break
		}
	}
	return applied, nil
}

// push sends ops since last_acked, filtered for this peer's projects,
// chunked under the protocol's body cap. A single op that cannot fit in
// any chunk fails the push before anything is sent.
func (c *Client) push(ctx context.Context, peer store.SyncPeer, addr string) (int, error) {
	cursor, err := c.st.GetReplicationCursor(peer.PeerDeviceID)
	if err != nil {
		return 0, err
	}

	pushed := 0
	since := cursor.LastAckedCursor
	for round := 0; round < maxPullRounds; round++ {
		ops, nextCursor, skipped, err := c.st.OpsForPeer(peer, since, pullPageSize)
		if err != nil {
			return pushed, err
		}
		if len(ops) == 0 {
			// Filtered-out ops still advance the ack cursor; otherwise a
			// run of excluded-project writes would be re-scanned on every
			// pass.
			if skipped > 0 && nextCursor > since {
				since = nextCursor
				cursor.LastAckedCursor = since
				if err := c.st.SetReplicationCursor(cursor); err != nil {
					return pushed, err
				}
				continue
			}
			break
		}

		for _, op := range ops {
			if size := wireOpSize(op); size > maxRequestBodyBytes {
				return pushed, errs.PayloadTooLarge(fmt.Sprintf(
					"op %s is %d bytes, over the %d byte protocol cap", op.OpID, size, maxRequestBodyBytes))
			}
		}

		for _, chunk := range store.ChunkOpsBySize(ops) {
			if err := c.pushChunk(ctx, addr, chunk); err != nil {
				return pushed, err
			}
			pushed += len(chunk)
			since = chunk[len(chunk)-1].Cursor()
			cursor.LastAckedCursor = since
			if err := c.st.SetReplicationCursor(cursor); err != nil {
				return pushed, err
			}
		}
		if nextCursor > since {
			since = nextCursor
			cursor.LastAckedCursor = since
			if err := c.st.SetReplicationCursor(cursor); err != nil {
				return pushed, err
			}
		}
		if len(ops) < pullPageSize {
			break
		}
	}
	return pushed, nil
}

func (c *Client) pushChunk(ctx context.Context, addr string, chunk []store.ReplicationOp) error {
	body, err := json.Marshal(map[string]any{"ops": toWireOps(chunk)})
	if err != nil {
		return fmt.Errorf("marshal push body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/v1/ops", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	c.identity.SignRequest(req, body)

	resp, err := c.pushClient.Do(req)
	if err != nil {
		return errs.RetryableTransient("push ops", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return errs.PayloadTooLarge(fmt.Sprintf("peer rejected chunk of %d ops", len(chunk)))
	case resp.StatusCode == http.StatusUnauthorized:
		return errs.Unauthorized("peer rejected push credentials")
	default:
		return errs.RetryableTransient(fmt.Sprintf("push returned %d", resp.StatusCode), nil)
	}
}

func (c *Client) signedGet(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.identity.SignRequest(req, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.RetryableTransient("sync request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errs.Unauthorized("peer rejected credentials")
	}
	if resp.StatusCode != http.StatusOK {
		return errs.RetryableTransient(fmt.Sprintf("sync request returned %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBodyBytes*2))
	if err != nil {
		return errs.RetryableTransient("read sync response", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode sync response: %w", err)
	}
	return nil
}

func wireOpSize(op store.ReplicationOp) int {
	b, err := json.Marshal(toWireOps([]store.ReplicationOp{op})[0])
	if err != nil {
		return 0
	}
	return len(b)
}

func (c *Client) recordAttempt(peer store.SyncPeer, opsIn, opsOut int, passErr error) {
	attempt := store.SyncAttempt{
		PeerDeviceID: peer.PeerDeviceID,
		OK:           passErr == nil,
		OpsIn:        opsIn,
		OpsOut:       opsOut,
	}
	if passErr != nil {
		attempt.Error = passErr.Error()
	}
	if err := c.st.RecordSyncAttempt(attempt); err != nil {
		L_warn("sync: failed to record attempt", "peer", peer.PeerDeviceID, "error", err)
	}
}
