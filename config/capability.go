package config

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
)

// Capabilities is the immutable result of probing the host at startup. It
// is produced once by Detect and threaded through config adaptation instead
// of feature-sniffing at call sites.
type Capabilities struct {
	DurableStore      bool      `yaml:"durable_store" json:"durable_store"`
	BackgroundExec    bool      `yaml:"background_exec" json:"background_exec"`
	InferenceRuntime  bool      `yaml:"inference_runtime" json:"inference_runtime"`
	StorageQuotaBytes int64     `yaml:"storage_quota_bytes" json:"storage_quota_bytes"`
	Online            bool      `yaml:"online" json:"online"`
	DetectedAt        time.Time `yaml:"detected_at" json:"detected_at"`
}

// Probes lets tests and the daemon override individual capability checks.
// Nil fields use the built-in probe.
type Probes struct {
	Inference func(ctx context.Context) bool
	Network   func(ctx context.Context) bool
	Quota     func(dataDir string) int64
}

// Detect probes the host environment. A failed durable-store probe is fatal:
// the engine cannot run without transactional keyed storage.
func Detect(ctx context.Context, dataDir string, probes Probes, logger zerolog.Logger) (Capabilities, error) {
	logger = logger.With().Str("component", "capability").Logger()

	caps := Capabilities{DetectedAt: time.Now()}

	if err := probeDurableStore(ctx, dataDir); err != nil {
		return Capabilities{}, fmt.Errorf("durable storage unavailable at %s: %w", dataDir, err)
	}
	caps.DurableStore = true

	caps.BackgroundExec = runtime.GOMAXPROCS(0) > 1

	if probes.Inference != nil {
		caps.InferenceRuntime = probes.Inference(ctx)
	} else {
		caps.InferenceRuntime = probeInference(ctx)
	}

	if probes.Network != nil {
		caps.Online = probes.Network(ctx)
	} else {
		caps.Online = probeNetwork()
	}

	if probes.Quota != nil {
		caps.StorageQuotaBytes = probes.Quota(dataDir)
	} else {
		caps.StorageQuotaBytes = probeQuota(dataDir)
	}

	logger.Info().
		Bool("background_exec", caps.BackgroundExec).
		Bool("inference_runtime", caps.InferenceRuntime).
		Bool("online", caps.Online).
		Int64("storage_quota_bytes", caps.StorageQuotaBytes).
		Msg("Host capabilities detected")
	return caps, nil
}

// probeDurableStore verifies that a transactional SQLite store can be
// created and written under dataDir.
func probeDurableStore(ctx context.Context, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	probePath := filepath.Join(dataDir, ".capability_probe.db")
	defer os.Remove(probePath) //nolint:errcheck // best-effort cleanup

	db, err := sql.Open("sqlite3", probePath)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // probe database

	if _, err := db.ExecContext(ctx, "CREATE TABLE probe (id INTEGER PRIMARY KEY)"); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "INSERT INTO probe (id) VALUES (1)")
	return err
}

// probeInference checks for a reachable local Ollama runtime.
func probeInference(ctx context.Context) bool {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return cli.Heartbeat(ctx) == nil
}

// probeNetwork checks general reachability with a short TCP dial.
func probeNetwork() bool {
	conn, err := net.DialTimeout("tcp", "1.1.1.1:443", 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
