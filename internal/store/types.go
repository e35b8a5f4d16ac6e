// Package store is the embedded relational+FTS+vector storage engine for
// codemem: sessions, memories, prompts, summaries, artifacts, and the
// append-only replication op log.
package store

import "time"

// MemoryKind enumerates the allowed values of MemoryItem.Kind.
type MemoryKind string

const (
	KindSessionSummary MemoryKind = "session_summary"
	KindObservation    MemoryKind = "observation"
	KindEntities       MemoryKind = "entities"
	KindNote           MemoryKind = "note"
	KindDecision       MemoryKind = "decision"
	KindDiscovery      MemoryKind = "discovery"
	KindChange         MemoryKind = "change"
	KindFeature        MemoryKind = "feature"
	KindBugfix         MemoryKind = "bugfix"
	KindRefactor       MemoryKind = "refactor"
	KindExploration    MemoryKind = "exploration"
)

// validKinds is the allowed-kind set referenced throughout §4.2.
var validKinds = map[MemoryKind]bool{
	KindSessionSummary: true,
	KindObservation:    true,
	KindEntities:       true,
	KindNote:           true,
	KindDecision:       true,
	KindDiscovery:      true,
	KindChange:         true,
	KindFeature:        true,
	KindBugfix:         true,
	KindRefactor:       true,
	KindExploration:    true,
}

// IsValidKind reports whether k is one of the allowed memory kinds. The
// legacy "project" spelling is not itself valid — callers must resolve it
// to KindDecision via ResolveLegacyKind before calling IsValidKind.
func IsValidKind(k MemoryKind) bool {
	return validKinds[k]
}

// ResolveLegacyKind maps the legacy "project" kind to "decision", per
// spec.md §4.2 ("mapping legacy project → decision with an explicit
// error" — the mapping itself is silent, the caller is expected to warn).
func ResolveLegacyKind(k MemoryKind) MemoryKind {
	if k == "project" {
		return KindDecision
	}
	return k
}

// Session is a contiguous unit of agent work.
type Session struct {
	ID         int64
	StartedAt  time.Time
	EndedAt    *time.Time
	Cwd        string
	Project    string
	GitRemote  string
	GitBranch  string
	User       string
	ToolVersion string
	Metadata   JSONMap
	ImportKey  string
}

// OpencodeSession maps an external opaque session id to a local Session id.
type OpencodeSession struct {
	ID                 int64
	OpencodeSessionID  string
	SessionID          int64
}

// MemoryClock is the (rev, updated_at, device_id) total order used for
// last-writer-wins replication.
type MemoryClock struct {
	Rev       int64
	UpdatedAt time.Time
	DeviceID  string
}

// Compare returns -1, 0, or 1 comparing m to other under the lexicographic
// clock order (rev, updated_at, device_id).
func (m MemoryClock) Compare(other MemoryClock) int {
	if m.Rev != other.Rev {
		if m.Rev < other.Rev {
			return -1
		}
		return 1
	}
	if !m.UpdatedAt.Equal(other.UpdatedAt) {
		if m.UpdatedAt.Before(other.UpdatedAt) {
			return -1
		}
		return 1
	}
	if m.DeviceID != other.DeviceID {
		if m.DeviceID < other.DeviceID {
			return -1
		}
		return 1
	}
	return 0
}

// MemoryItem is a typed unit of knowledge.
type MemoryItem struct {
	ID             int64
	SessionID      int64
	Kind           MemoryKind
	Title          string
	BodyText       string
	Subtitle       string
	Facts          []string
	Concepts       []string
	FilesRead      []string
	FilesModified  []string
	PromptNumber   *int
	UserPromptID   *int64
	Confidence     float64
	TagsText       string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
	Rev            int64
	Metadata       JSONMap
	ImportKey      string
}

// Clock derives the replication clock from the item's own columns and
// metadata, per spec.md §4.7.
func (m MemoryItem) Clock() MemoryClock {
	deviceID, _ := m.Metadata["clock_device_id"].(string)
	return MemoryClock{Rev: m.Rev, UpdatedAt: m.UpdatedAt, DeviceID: deviceID}
}

// SessionSummary is a persisted narrative structure for a prompt turn.
type SessionSummary struct {
	ID           int64
	SessionID    int64
	Request      string
	Investigated string
	Learned      string
	Completed    string
	NextSteps    string
	Notes        string
	FilesRead    []string
	FilesEdited  []string
	PromptNumber *int
	CreatedAt    time.Time
}

// UserPrompt is one user prompt within a session.
type UserPrompt struct {
	ID           int64
	SessionID    int64
	PromptText   string
	PromptNumber *int
	CreatedAt    time.Time
	Metadata     JSONMap
}

// Artifact is an opaque per-session content blob.
type Artifact struct {
	ID          int64
	SessionID   int64
	Kind        string
	Path        string
	ContentText string
	ContentHash string
	Metadata    JSONMap
	CreatedAt   time.Time
}

// MemoryVector is one embedded chunk of a memory item.
type MemoryVector struct {
	ID          int64
	MemoryID    int64
	ChunkIndex  int
	Model       string
	ContentHash string
	Embedding   []float32
}

// RawEvent is a single plugin-emitted record.
type RawEvent struct {
	OpencodeSessionID string
	EventID           string
	EventSeq          int64
	EventType         string
	TSWallMs          *int64
	TSMonoMs          *float64
	Payload           JSONMap
	CreatedAt         time.Time
}

// RawEventSession is per-session raw-event metadata.
type RawEventSession struct {
	OpencodeSessionID    string
	Cwd                  string
	Project              string
	StartedAt            string
	LastSeenTSWallMs     *int64
	LastReceivedEventSeq int64
	LastFlushedEventSeq  int64
}

// FlushBatchStatus is the canonical status of a RawEventFlushBatch.
type FlushBatchStatus string

const (
	FlushPending   FlushBatchStatus = "pending"
	FlushClaimed   FlushBatchStatus = "claimed"
	FlushCompleted FlushBatchStatus = "completed"
	FlushFailed    FlushBatchStatus = "failed"
)

// legacyFlushStatus maps legacy DB spellings onto canonical ones, per
// spec.md §3 and SPEC_FULL.md Open Question 1.
var legacyFlushStatus = map[string]FlushBatchStatus{
	"started":              FlushPending,
	"running":              FlushClaimed,
	"error":                FlushFailed,
	string(FlushPending):   FlushPending,
	string(FlushClaimed):   FlushClaimed,
	string(FlushCompleted): FlushCompleted,
	string(FlushFailed):    FlushFailed,
}

// NormalizeFlushStatus maps a raw DB status string (canonical or legacy)
// to its canonical FlushBatchStatus.
func NormalizeFlushStatus(raw string) FlushBatchStatus {
	if canonical, ok := legacyFlushStatus[raw]; ok {
		return canonical
	}
	return FlushBatchStatus(raw)
}

// RawEventFlushBatch is a contiguous range of raw events claimed by one
// extractor worker.
type RawEventFlushBatch struct {
	ID               int64
	OpencodeSessionID string
	StartEventSeq    int64
	EndEventSeq      int64
	ExtractorVersion string
	Status           FlushBatchStatus
	AttemptCount     int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OpType is the kind of mutation a ReplicationOp records.
type OpType string

const (
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
)

// ReplicationOp is one append-only log entry.
type ReplicationOp struct {
	OpID      string
	EntityType string
	EntityID  string
	OpType    OpType
	Payload   JSONMap
	Clock     MemoryClock
	DeviceID  string
	CreatedAt time.Time
}

// cursorTimeLayout is fixed-width (zero-padded fraction, always UTC)
// so cursor strings order lexicographically; RFC3339Nano trims trailing
// zeros and would sort whole seconds after fractional ones.
const cursorTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Cursor returns the lexicographically-ordered cursor string for op.
func (op ReplicationOp) Cursor() string {
	return op.CreatedAt.UTC().Format(cursorTimeLayout) + "|" + op.OpID
}

// ReplicationCursor is per-peer sync-progress bookkeeping.
type ReplicationCursor struct {
	PeerDeviceID      string
	LastAppliedCursor string
	LastAckedCursor   string
	UpdatedAt         time.Time
}

// SyncPeer is a paired remote device.
type SyncPeer struct {
	PeerDeviceID         string
	Name                 string
	PinnedFingerprint    string
	PublicKey            []byte
	Addresses            []string
	LastSeenAt           *time.Time
	LastSyncAt           *time.Time
	LastError            string
	ProjectFilterInclude []string
	ProjectFilterExclude []string
	CreatedAt            time.Time
}

// SyncDevice is the local device's signing identity.
type SyncDevice struct {
	DeviceID    string
	PublicKey   []byte
	PrivateKey  []byte
	Fingerprint string
}

// SyncAttempt records one per-peer sync pass outcome (SPEC_FULL.md §3).
type SyncAttempt struct {
	ID           int64
	PeerDeviceID string
	OK           bool
	OpsIn        int
	OpsOut       int
	Error        string
	CreatedAt    time.Time
}

// SyncDaemonState is the singleton daemon-tick health row (SPEC_FULL.md §3).
type SyncDaemonState struct {
	LastOKAt    *time.Time
	LastError   string
	LastTickAt  *time.Time
}

// UsageEvent is a telemetry row.
type UsageEvent struct {
	ID            int64
	Event         string
	TokensRead    int
	TokensWritten int
	TokensSaved   int
	Metadata      JSONMap
	CreatedAt     time.Time
}
