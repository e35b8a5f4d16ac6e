// Package config loads codemem's single JSONC configuration file and
// mirrors every key as a CODEMEM_-prefixed environment variable override.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/tidwall/gjson"

	"github.com/roelfdiedericks/codemem/internal/logging"
	"github.com/roelfdiedericks/codemem/internal/paths"
)

// Config mirrors the key table in SPEC_FULL.md §6.
type Config struct {
	ObserverProvider string `json:"observer_provider"`
	ObserverModel    string `json:"observer_model"`
	ObserverAPIKey   string `json:"observer_api_key"`
	ObserverMaxChars int    `json:"observer_max_chars"`
	ObserverMaxTokens int   `json:"observer_max_tokens"`

	PackObservationLimit int `json:"pack_observation_limit"`
	PackSessionLimit     int `json:"pack_session_limit"`

	HybridRetrievalEnabled          bool    `json:"hybrid_retrieval_enabled"`
	HybridRetrievalShadowLog        bool    `json:"hybrid_retrieval_shadow_log"`
	HybridRetrievalShadowSampleRate float64 `json:"hybrid_retrieval_shadow_sample_rate"`

	SyncEnabled    bool   `json:"sync_enabled"`
	SyncHost       string `json:"sync_host"`
	SyncPort       int    `json:"sync_port"`
	SyncIntervalS  int    `json:"sync_interval_s"`

	SyncProjectsInclude []string `json:"sync_projects_include"`
	SyncProjectsExclude []string `json:"sync_projects_exclude"`

	SyncAdvertise string `json:"sync_advertise"`

	// MaintenancePruneConfidenceFloor resolves Open Question 3 from
	// SPEC_FULL.md: observations below this confidence with no tags are
	// prune-eligible.
	MaintenancePruneConfidenceFloor float64 `json:"maintenance_prune_confidence_floor"`

	// Reliability gate thresholds (operator policy; see SPEC_FULL.md
	// Open Question resolutions).
	GateSuccessRateMin     float64 `json:"gate_success_rate_min"`
	GateDroppedRateMax     float64 `json:"gate_dropped_rate_max"`
	GateBoundaryAccuracyMin float64 `json:"gate_boundary_accuracy_min"`
	GateRetryDepthMax      int     `json:"gate_retry_depth_max"`
}

// Default returns the built-in defaults; every field not present in the
// user's config file or environment falls back to these values.
func Default() Config {
	return Config{
		ObserverProvider:     "none",
		ObserverMaxChars:     24000,
		ObserverMaxTokens:    4096,
		PackObservationLimit: 8,
		PackSessionLimit:     3,

		HybridRetrievalEnabled:          true,
		HybridRetrievalShadowLog:        false,
		HybridRetrievalShadowSampleRate: 0.0,

		SyncEnabled:   false,
		SyncHost:      "0.0.0.0",
		SyncPort:      47621,
		SyncIntervalS: 120,
		SyncAdvertise: "auto",

		MaintenancePruneConfidenceFloor: 0.2,

		GateSuccessRateMin:      0.99,
		GateDroppedRateMax:      0.05,
		GateBoundaryAccuracyMin: 0.99,
		GateRetryDepthMax:       3,
	}
}

// Load reads the config file (if any) and layers environment overrides
// on top, merging everything onto the defaults.
func Load() (Config, error) {
	cfg := Default()

	path, err := paths.ConfigPath()
	if err != nil {
		return cfg, fmt.Errorf("resolve config path: %w", err)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		fromFile, err := parseJSONC(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg, fromFile, mergo.WithOverride); err != nil {
			return cfg, fmt.Errorf("merge config %s: %w", path, err)
		}
		logging.L_debug("config: loaded", "path", path)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// parseJSONC strips // line comments before decoding, tolerating the
// config.jsonc convention (gjson.Parse is used to validate structure
// first so malformed input fails with a clear error before json.Unmarshal
// attempts the strict decode).
func parseJSONC(raw []byte) (Config, error) {
	stripped := stripLineComments(string(raw))
	if !gjson.Valid(stripped) {
		return Config{}, fmt.Errorf("invalid JSON after comment stripping")
	}
	var cfg Config
	if err := json.Unmarshal([]byte(stripped), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripLineComments(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if idx := indexOfLineComment(line); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

// indexOfLineComment finds a "//" that is not inside a quoted string.
func indexOfLineComment(line string) int {
	inString := false
	escaped := false
	for i := 0; i < len(line)-1; i++ {
		c := line[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '/' && line[i+1] == '/':
			return i
		}
	}
	return -1
}

// envKey maps a JSON field tag to its CODEMEM_ environment variable name,
// e.g. "observer_model" -> "CODEMEM_OBSERVER_MODEL".
func envKey(jsonTag string) string {
	return "CODEMEM_" + strings.ToUpper(jsonTag)
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("observer_provider"); ok {
		cfg.ObserverProvider = v
	}
	if v, ok := lookupEnv("observer_model"); ok {
		cfg.ObserverModel = v
	}
	if v, ok := lookupEnv("observer_api_key"); ok {
		cfg.ObserverAPIKey = v
	}
	if v, ok := lookupEnvInt("observer_max_chars"); ok {
		cfg.ObserverMaxChars = v
	}
	if v, ok := lookupEnvInt("observer_max_tokens"); ok {
		cfg.ObserverMaxTokens = v
	}
	if v, ok := lookupEnvInt("pack_observation_limit"); ok {
		cfg.PackObservationLimit = v
	}
	if v, ok := lookupEnvInt("pack_session_limit"); ok {
		cfg.PackSessionLimit = v
	}
	if v, ok := lookupEnvBool("hybrid_retrieval_enabled"); ok {
		cfg.HybridRetrievalEnabled = v
	}
	if v, ok := lookupEnvBool("hybrid_retrieval_shadow_log"); ok {
		cfg.HybridRetrievalShadowLog = v
	}
	if v, ok := lookupEnvFloat("hybrid_retrieval_shadow_sample_rate"); ok {
		cfg.HybridRetrievalShadowSampleRate = v
	}
	if v, ok := lookupEnvBool("sync_enabled"); ok {
		cfg.SyncEnabled = v
	}
	if v, ok := lookupEnv("sync_host"); ok {
		cfg.SyncHost = v
	}
	if v, ok := lookupEnvInt("sync_port"); ok {
		cfg.SyncPort = v
	}
	if v, ok := lookupEnvInt("sync_interval_s"); ok {
		cfg.SyncIntervalS = v
	}
	if v, ok := lookupEnv("sync_advertise"); ok {
		cfg.SyncAdvertise = v
	}
	if v, ok := lookupEnv("sync_projects_include"); ok {
		cfg.SyncProjectsInclude = strings.Split(v, ",")
	}
	if v, ok := lookupEnv("sync_projects_exclude"); ok {
		cfg.SyncProjectsExclude = strings.Split(v, ",")
	}
	if v, ok := lookupEnvFloat("maintenance_prune_confidence_floor"); ok {
		cfg.MaintenancePruneConfidenceFloor = v
	}
	if v, ok := lookupEnvFloat("gate_success_rate_min"); ok {
		cfg.GateSuccessRateMin = v
	}
	if v, ok := lookupEnvFloat("gate_dropped_rate_max"); ok {
		cfg.GateDroppedRateMax = v
	}
	if v, ok := lookupEnvFloat("gate_boundary_accuracy_min"); ok {
		cfg.GateBoundaryAccuracyMin = v
	}
	if v, ok := lookupEnvInt("gate_retry_depth_max"); ok {
		cfg.GateRetryDepthMax = v
	}
}

func lookupEnv(jsonTag string) (string, bool) {
	v, ok := os.LookupEnv(envKey(jsonTag))
	return v, ok
}

func lookupEnvInt(jsonTag string) (int, bool) {
	v, ok := lookupEnv(jsonTag)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.L_warn("config: invalid int override", "key", envKey(jsonTag), "value", v)
		return 0, false
	}
	return n, true
}

func lookupEnvFloat(jsonTag string) (float64, bool) {
	v, ok := lookupEnv(jsonTag)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logging.L_warn("config: invalid float override", "key", envKey(jsonTag), "value", v)
		return 0, false
	}
	return f, true
}

func lookupEnvBool(jsonTag string) (bool, bool) {
	v, ok := lookupEnv(jsonTag)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logging.L_warn("config: invalid bool override", "key", envKey(jsonTag), "value", v)
		return false, false
	}
	return b, true
}
