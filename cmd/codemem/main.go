// codemem is a local-first persistent memory store for a developer CLI:
// it ingests raw events from an editor/agent plugin, synthesizes
// structured memories via an Observer, serves bounded memory packs, and
// replicates state across a user's devices over an authenticated LAN
// protocol.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sevlyar/go-daemon"
	"github.com/tidwall/sjson"

	"github.com/roelfdiedericks/codemem/internal/config"
	"github.com/roelfdiedericks/codemem/internal/embed"
	. "github.com/roelfdiedericks/codemem/internal/logging"
	"github.com/roelfdiedericks/codemem/internal/observer"
	"github.com/roelfdiedericks/codemem/internal/paths"
	"github.com/roelfdiedericks/codemem/internal/queue"
	"github.com/roelfdiedericks/codemem/internal/store"
	codememsync "github.com/roelfdiedericks/codemem/internal/sync"
)

// version is set by the release pipeline via ldflags.
var version = "dev"

// CLI is the command tree. Every subcommand is a thin dispatcher into
// the core packages.
type CLI struct {
	Debug bool `help:"Enable debug logging" short:"d"`
	Trace bool `help:"Enable trace logging" short:"t"`

	Ingest   IngestCmd   `cmd:"" help:"Read a JSON event payload from stdin and append it to the raw-event queue"`
	Serve    ServeCmd    `cmd:"" help:"Run the ingest sweeper, observer pipeline, and (if enabled) the sync daemon in the foreground"`
	Sync     SyncCmd     `cmd:"" help:"Manage device replication"`
	Pack     PackCmd     `cmd:"" help:"Assemble a memory pack for a query"`
	Embed    EmbedCmd    `cmd:"" help:"Backfill missing embedding vectors"`
	Maintain MaintainCmd `cmd:"" help:"Maintenance operations"`
	Export   ExportCmd   `cmd:"" help:"Export the entity tables as a versioned JSON document to stdout"`
	Import   ImportCmd   `cmd:"" help:"Import a previously exported JSON document from stdin"`
	RawEvents RawEventsCmd `cmd:"" name:"raw-events" help:"Raw-event queue status and reliability gate"`
	Version  VersionCmd  `cmd:"" help:"Show version"`
}

func main() {
	cli := CLI{}
	ktx := kong.Parse(&cli,
		kong.Name("codemem"),
		kong.Description("Local-first persistent memory for a developer CLI."),
		kong.UsageOnError(),
	)

	logCfg := DefaultConfig()
	if cli.Trace {
		logCfg.Level = LevelTrace
	} else if cli.Debug {
		logCfg.Level = LevelDebug
	}
	Init(logCfg)

	if err := ktx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*store.Store, error) {
	return store.Open()
}

func loadConfig() (config.Config, error) {
	return config.Load()
}

// buildObserver maps the observer_provider config key onto a concrete
// Observer. Provider wiring beyond "none" lives out of the core's
// scope; unknown providers degrade to none with a warning instead of
// blocking ingest.
func buildObserver(cfg config.Config) observer.Observer {
	switch cfg.ObserverProvider {
	case "", "none":
		return observer.NoneObserver
	default:
		L_warn("observer provider not built in, using none", "provider", cfg.ObserverProvider)
		return observer.NoneObserver
	}
}

func buildEmbedder() *embed.OllamaProvider {
	return embed.NewOllamaProvider("", "")
}

// ingestPayload is the stdin document the editor plugin pipes in.
type ingestPayload struct {
	OpencodeSessionID string `json:"opencode_session_id"`
	Cwd               string `json:"cwd"`
	Project           string `json:"project"`
	Events            []struct {
		EventID   string         `json:"event_id"`
		EventType string         `json:"event_type"`
		TSWallMs  *int64         `json:"ts_wall_ms"`
		TSMonoMs  *float64       `json:"ts_mono_ms"`
		Payload   map[string]any `json:"payload"`
	} `json:"events"`
	Artifacts []struct {
		Kind    string         `json:"kind"`
		Path    string         `json:"path"`
		Content string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
	} `json:"artifacts"`
}

// IngestCmd appends one payload of raw events (and any artifacts) from
// stdin.
type IngestCmd struct{}

func (c *IngestCmd) Run() error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	var payload ingestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse ingest payload: %w", err)
	}
	if payload.OpencodeSessionID == "" {
		return fmt.Errorf("payload missing opencode_session_id")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	events := make([]store.RawEventInput, len(payload.Events))
	for i, e := range payload.Events {
		events[i] = store.RawEventInput{
			EventID: e.EventID, EventType: e.EventType,
			TSWallMs: e.TSWallMs, TSMonoMs: e.TSMonoMs,
			Payload: store.JSONMap(e.Payload),
		}
	}
	result, err := st.RecordRawEventBatch(payload.OpencodeSessionID, payload.Cwd, payload.Project, events)
	if err != nil {
		return err
	}

	if len(payload.Artifacts) > 0 {
		sessionID, ok, err := st.SessionIDForOpencodeSession(payload.OpencodeSessionID)
		if err != nil {
			return err
		}
		if !ok {
			sessionID, err = st.StartSession(payload.Cwd, payload.Project, "", "", "", version, "opencode:"+payload.OpencodeSessionID, nil)
			if err != nil {
				return err
			}
			if err := st.LinkOpencodeSession(payload.OpencodeSessionID, sessionID); err != nil {
				return err
			}
		}
		for _, a := range payload.Artifacts {
			kind := a.Kind
			if kind == "" {
				kind = mimetype.Detect([]byte(a.Content)).String()
			}
			hash := store.ContentHash(a.Content)
			if _, err := st.RecordArtifact(sessionID, kind, a.Path, a.Content, hash, store.JSONMap(a.Metadata)); err != nil {
				return err
			}
		}
	}

	out, _ := json.Marshal(map[string]int{
		"inserted":          result.Inserted,
		"skipped_duplicate": result.SkippedDuplicate,
		"skipped_invalid":   result.SkippedInvalid,
		"skipped_conflict":  result.SkippedConflict,
	})
	fmt.Println(string(out))
	return nil
}

// ServeCmd runs the long-lived services in the foreground.
type ServeCmd struct{}

func (c *ServeCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	identity, err := codememsync.LoadOrCreateIdentity(st)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pipeline := observer.NewPipeline(st, buildObserver(cfg), cfg, identity.DeviceID)
	sweeper := queue.NewService(st, pipeline)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	var syncDaemon *codememsync.Daemon
	if cfg.SyncEnabled {
		syncDaemon = codememsync.NewDaemon(st, identity, cfg, codememsync.NewStoredAddressDirectory(st))
		if err := syncDaemon.Start(ctx); err != nil {
			return err
		}
		defer syncDaemon.Stop()
	}

	go func() {
		if err := config.Watch(ctx, func(fresh config.Config) {
			L_info("config changed; restart to apply sync/observer binding changes")
		}); err != nil {
			L_warn("config watch unavailable", "error", err)
		}
	}()

	L_info("codemem serving", "version", version, "sync_enabled", cfg.SyncEnabled)
	<-ctx.Done()
	return nil
}

// SyncCmd groups replication management.
type SyncCmd struct {
	Enable  SyncEnableCmd  `cmd:"" help:"Enable sync in the config file"`
	Disable SyncDisableCmd `cmd:"" help:"Disable sync in the config file"`
	Status  SyncStatusCmd  `cmd:"" help:"Show daemon health and peer state"`
	Pair    SyncPairCmd    `cmd:"" help:"Print this device's pairing payload, or accept one"`
	Once    SyncOnceCmd    `cmd:"" help:"Run one sync pass against every peer and exit"`
	Daemon  SyncDaemonCmd  `cmd:"" help:"Run the sync daemon (optionally detached)"`
	Peers   SyncPeersCmd   `cmd:"" help:"Manage paired peers"`
	Attempts SyncAttemptsCmd `cmd:"" help:"Show recent per-peer sync attempts"`
	Doctor  SyncDoctorCmd  `cmd:"" help:"Run sync preflight repairs and report"`
}

func setConfigBool(key string, value bool) error {
	path, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	if path == "" {
		if path, err = paths.DefaultConfigPath(); err != nil {
			return err
		}
		if err := paths.EnsureParentDir(path); err != nil {
			return err
		}
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		raw = []byte("{}")
	} else if err != nil {
		return err
	}
	updated, err := sjson.Set(string(raw), key, value)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(updated), 0600)
}

type SyncEnableCmd struct{}

func (c *SyncEnableCmd) Run() error {
	if err := setConfigBool("sync_enabled", true); err != nil {
		return err
	}
	fmt.Println("sync enabled")
	return nil
}

type SyncDisableCmd struct{}

func (c *SyncDisableCmd) Run() error {
	if err := setConfigBool("sync_enabled", false); err != nil {
		return err
	}
	fmt.Println("sync disabled")
	return nil
}

type SyncStatusCmd struct{}

func (c *SyncStatusCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	identity, err := codememsync.LoadOrCreateIdentity(st)
	if err != nil {
		return err
	}
	state, err := st.DaemonState()
	if err != nil {
		return err
	}
	peers, err := st.Peers()
	if err != nil {
		return err
	}

	fmt.Printf("device:      %s\n", identity.DeviceID)
	fmt.Printf("fingerprint: %s\n", identity.Fingerprint)
	if state.LastOKAt != nil {
		fmt.Printf("last ok:     %s\n", state.LastOKAt.Format(time.RFC3339))
	}
	if state.LastError != "" {
		fmt.Printf("last error:  %s\n", state.LastError)
	}
	fmt.Printf("peers:       %d\n", len(peers))
	for _, p := range peers {
		status := "never synced"
		if p.LastSyncAt != nil {
			status = "synced " + p.LastSyncAt.Format(time.RFC3339)
		}
		if p.LastError != "" {
			status += " (error: " + p.LastError + ")"
		}
		fmt.Printf("  %s  %s  %s\n", p.PeerDeviceID, p.Name, status)
	}
	return nil
}

type SyncPairCmd struct {
	Accept string `help:"Pairing payload JSON to accept" placeholder:"JSON"`
	Name   string `help:"Display name for the accepted peer"`
}

func (c *SyncPairCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	identity, err := codememsync.LoadOrCreateIdentity(st)
	if err != nil {
		return err
	}

	if c.Accept != "" {
		payload, err := codememsync.DecodePairingPayload(c.Accept)
		if err != nil {
			return err
		}
		if err := codememsync.AcceptPairing(st, payload, c.Name); err != nil {
			return err
		}
		fmt.Printf("paired with %s (%s)\n", payload.DeviceID, payload.Fingerprint)
		return nil
	}

	encoded, err := codememsync.LocalPairingPayload(identity, codememsync.AdvertiseAddresses(cfg)).Encode()
	if err != nil {
		return err
	}
	fmt.Println(encoded)
	return nil
}

type SyncOnceCmd struct{}

func (c *SyncOnceCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	identity, err := codememsync.LoadOrCreateIdentity(st)
	if err != nil {
		return err
	}
	d := codememsync.NewDaemon(st, identity, cfg, codememsync.NewStoredAddressDirectory(st))
	return d.RunOnce(context.Background())
}

type SyncDaemonCmd struct {
	Detach bool `help:"Run in the background, writing the pidfile and log"`
}

func (c *SyncDaemonCmd) Run() error {
	if c.Detach {
		pidFile, err := paths.SyncPidFile()
		if err != nil {
			return err
		}
		logFile, err := paths.SyncLogFile()
		if err != nil {
			return err
		}
		if err := paths.EnsureParentDir(pidFile); err != nil {
			return err
		}
		dctx := &daemon.Context{
			PidFileName: pidFile,
			PidFilePerm: 0600,
			LogFileName: logFile,
			LogFilePerm: 0600,
		}
		child, err := dctx.Reborn()
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		if child != nil {
			fmt.Printf("sync daemon started (pid %d)\n", child.Pid)
			return nil
		}
		defer dctx.Release()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	identity, err := codememsync.LoadOrCreateIdentity(st)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d := codememsync.NewDaemon(st, identity, cfg, codememsync.NewStoredAddressDirectory(st))
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()
	<-ctx.Done()
	return nil
}

type SyncPeersCmd struct {
	List   SyncPeersListCmd   `cmd:"" default:"1" help:"List paired peers"`
	Remove SyncPeersRemoveCmd `cmd:"" help:"Unpair a device"`
	Rename SyncPeersRenameCmd `cmd:"" help:"Rename a paired device"`
}

type SyncPeersListCmd struct{}

func (c *SyncPeersListCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	peers, err := st.Peers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Printf("%s\t%s\t%s\t%v\n", p.PeerDeviceID, p.Name, p.PinnedFingerprint, p.Addresses)
	}
	return nil
}

type SyncPeersRemoveCmd struct {
	DeviceID string `arg:"" help:"Peer device id to remove"`
}

func (c *SyncPeersRemoveCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.RemovePeer(c.DeviceID)
}

type SyncPeersRenameCmd struct {
	DeviceID string `arg:"" help:"Peer device id"`
	Name     string `arg:"" help:"New display name"`
}

func (c *SyncPeersRenameCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return st.RenamePeer(c.DeviceID, c.Name)
}

type SyncAttemptsCmd struct {
	Limit int `help:"How many attempts to show" default:"20"`
}

func (c *SyncAttemptsCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	attempts, err := st.RecentSyncAttempts(c.Limit)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		outcome := "ok"
		if !a.OK {
			outcome = "FAIL " + a.Error
		}
		fmt.Printf("%s\t%s\tin=%d out=%d\t%s\n", a.CreatedAt.Format(time.RFC3339), a.PeerDeviceID, a.OpsIn, a.OpsOut, outcome)
	}
	return nil
}

type SyncDoctorCmd struct{}

func (c *SyncDoctorCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	identity, err := codememsync.LoadOrCreateIdentity(st)
	if err != nil {
		return err
	}
	for _, op := range []func() (*store.MaintenanceReport, error){
		st.EnsureMemoryImportKeys,
		st.MigrateLegacyKeys,
		func() (*store.MaintenanceReport, error) { return st.BackfillReplicationOps(identity.DeviceID) },
	} {
		report, err := op()
		if err != nil {
			return err
		}
		fmt.Printf("%s: scanned=%d changed=%d errors=%d\n", report.Operation, report.Scanned, report.Changed, len(report.Errors))
		for _, e := range report.Errors {
			fmt.Printf("  %s\n", e)
		}
	}
	return nil
}

// PackCmd assembles and prints a memory pack.
type PackCmd struct {
	Query   string `arg:"" optional:"" help:"Context query"`
	Project string `help:"Project filter"`
	Budget  int    `help:"Token budget" default:"0"`
}

func (c *PackCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	params := store.PackParams{
		Project:          c.Project,
		Query:            c.Query,
		ObservationLimit: cfg.PackObservationLimit,
		SessionLimit:     cfg.PackSessionLimit,
		TokenBudget:      c.Budget,
		LogUsage:         true,
	}
	if cfg.HybridRetrievalEnabled {
		if embedder := buildEmbedder(); embedder.Available() {
			params.Embedder = embedder
		}
	}

	pack, err := st.AssemblePack(params)
	if err != nil {
		return err
	}
	if cfg.HybridRetrievalShadowLog && rand.Float64() < cfg.HybridRetrievalShadowSampleRate {
		if err := st.RecordUsageEvent("hybrid_shadow", 0, 0, 0, store.JSONMap{
			"query":               c.Query,
			"project":             c.Project,
			"semantic_candidates": pack.Metrics.SemanticCandidates,
			"semantic_hits":       pack.Metrics.SemanticHits,
			"pack_tokens":         pack.Metrics.PackTokens,
		}); err != nil {
			L_warn("failed to record shadow log", "error", err)
		}
	}
	out, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// EmbedCmd backfills vectors for memories missing them.
type EmbedCmd struct {
	Model string `help:"Embedding model name" default:""`
	Batch int    `help:"Backfill batch size" default:"100"`
}

func (c *EmbedCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	provider := embed.NewOllamaProvider("", c.Model)
	if !provider.Available() {
		return fmt.Errorf("embedding provider unavailable; is ollama running?")
	}
	report, err := st.BackfillVectors(provider, provider.Model(), c.Batch)
	if err != nil {
		return err
	}
	fmt.Printf("%s: scanned=%d changed=%d errors=%d\n", report.Operation, report.Scanned, report.Changed, len(report.Errors))
	return nil
}

// MaintainCmd groups the remaining maintenance operations.
type MaintainCmd struct {
	BackfillTags            MaintainBackfillTagsCmd      `cmd:"" name:"backfill-tags" help:"Recompute missing tags_text values"`
	BackfillDiscoveryTokens MaintainBackfillTokensCmd    `cmd:"" name:"backfill-discovery-tokens" help:"Stamp estimated discovery_tokens onto old memories"`
	PruneObservations       MaintainPruneObservationsCmd `cmd:"" name:"prune-observations" help:"Soft-delete low-confidence untagged observations"`
	PruneMemories           MaintainPruneMemoriesCmd     `cmd:"" name:"prune-memories" help:"Hard-delete old tombstoned memories"`
	NormalizeProjects       MaintainNormalizeCmd         `cmd:"" name:"normalize-projects" help:"Rewrite project names to path basenames"`
	RenameProject           MaintainRenameCmd            `cmd:"" name:"rename-project" help:"Rename a project across all sessions"`
	FlushRawEvents          MaintainFlushCmd             `cmd:"" name:"flush-raw-events" help:"Flush every session with pending raw events now"`
}

func printReport(report *store.MaintenanceReport) {
	fmt.Printf("%s: scanned=%d changed=%d errors=%d\n", report.Operation, report.Scanned, report.Changed, len(report.Errors))
	for _, e := range report.Errors {
		fmt.Printf("  %s\n", e)
	}
}

type MaintainBackfillTagsCmd struct{}

func (c *MaintainBackfillTagsCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	report, err := st.BackfillTags()
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

type MaintainBackfillTokensCmd struct{}

func (c *MaintainBackfillTokensCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	report, err := st.BackfillDiscoveryTokens()
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

type MaintainPruneObservationsCmd struct{}

func (c *MaintainPruneObservationsCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	report, err := st.PruneLowConfidence(cfg.MaintenancePruneConfidenceFloor)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

type MaintainPruneMemoriesCmd struct {
	OlderThanDays int `help:"Tombstone age floor in days" default:"90"`
}

func (c *MaintainPruneMemoriesCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	report, err := st.PruneInactiveMemories(time.Duration(c.OlderThanDays) * 24 * time.Hour)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

type MaintainNormalizeCmd struct{}

func (c *MaintainNormalizeCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	report, err := st.NormalizeProjects()
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

type MaintainRenameCmd struct {
	Old string `arg:"" help:"Current project name"`
	New string `arg:"" help:"New project name"`
}

func (c *MaintainRenameCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	report, err := st.RenameProject(c.Old, c.New)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

type MaintainFlushCmd struct{}

func (c *MaintainFlushCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	identity, err := codememsync.LoadOrCreateIdentity(st)
	if err != nil {
		return err
	}
	pipeline := observer.NewPipeline(st, buildObserver(cfg), cfg, identity.DeviceID)
	sweeper := queue.NewService(st, pipeline)
	n, err := sweeper.FlushAll(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("flushed %d session(s)\n", n)
	return nil
}

// ExportCmd writes the export document to stdout.
type ExportCmd struct{}

func (c *ExportCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	doc, err := st.Export()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// ImportCmd merges an export document from stdin.
type ImportCmd struct{}

func (c *ImportCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	var doc store.ExportDocument
	if err := json.NewDecoder(os.Stdin).Decode(&doc); err != nil {
		return fmt.Errorf("parse import document: %w", err)
	}
	result, err := st.Import(&doc)
	if err != nil {
		return err
	}
	fmt.Printf("sessions=%d memories=%d summaries=%d prompts=%d artifacts=%d skipped=%d\n",
		result.Sessions, result.Memories, result.Summaries, result.Prompts, result.Artifacts, result.Skipped)
	return nil
}

// RawEventsCmd reports queue health.
type RawEventsCmd struct {
	Status RawEventsStatusCmd `cmd:"" default:"1" help:"Show backlog and reliability metrics"`
	Gate   RawEventsGateCmd   `cmd:"" help:"Exit non-zero if reliability thresholds are violated"`
}

type RawEventsStatusCmd struct {
	WindowHours int `help:"Metrics window in hours (0 = all time)" default:"24"`
}

func (c *RawEventsStatusCmd) Run() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	metrics, err := st.ReliabilityMetricsWindowed(c.WindowHours)
	if err != nil {
		return err
	}
	backlog, err := st.Backlog()
	if err != nil {
		return err
	}

	fmt.Printf("flush_success_rate:        %.4f\n", metrics.FlushSuccessRate)
	fmt.Printf("dropped_event_rate:        %.4f\n", metrics.DroppedEventRate)
	fmt.Printf("session_boundary_accuracy: %.4f\n", metrics.SessionBoundaryAccuracy)
	fmt.Printf("retry_depth_max:           %d\n", metrics.RetryDepthMax)
	fmt.Printf("pending sessions:          %d\n", len(backlog))
	for _, b := range backlog {
		fmt.Printf("  %s: %d pending (recv=%d flushed=%d)\n", b.OpencodeSessionID, b.Pending, b.LastReceivedSeq, b.LastFlushedSeq)
	}
	return nil
}

type RawEventsGateCmd struct {
	WindowHours int `help:"Metrics window in hours (0 = all time)" default:"24"`
}

func (c *RawEventsGateCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	metrics, err := st.ReliabilityMetricsWindowed(c.WindowHours)
	if err != nil {
		return err
	}
	violations := metrics.CheckGate(store.GateThresholds{
		SuccessRateMin:      cfg.GateSuccessRateMin,
		DroppedRateMax:      cfg.GateDroppedRateMax,
		BoundaryAccuracyMin: cfg.GateBoundaryAccuracyMin,
		RetryDepthMax:       cfg.GateRetryDepthMax,
	})
	if len(violations) > 0 {
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "gate violation: %s\n", v)
		}
		return fmt.Errorf("%d reliability gate violation(s)", len(violations))
	}
	fmt.Println("gate ok")
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println("codemem", version)
	return nil
}
