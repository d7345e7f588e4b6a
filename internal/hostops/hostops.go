// Package hostops performs host-level operations requested by the main
// group: staging a new release and restarting the daemon.
package hostops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Ops is what the IPC layer and the CLI see.
type Ops interface {
	StageUpdate(ctx context.Context, version string) error
	Restart(ctx context.Context) error
	Version() string
}

// ExitCodeRestart tells the process supervisor to start us again.
const ExitCodeRestart = 10

// SystemOps stages updates under <dataDir>/staging and restarts by handing
// control back to the process supervisor with a distinguished exit code.
type SystemOps struct {
	dataDir   string
	version   string
	requestFn func()
	logger    *slog.Logger
}

// NewSystemOps builds the production implementation. requestRestart is called
// when a restart is due; main wires it to a graceful shutdown followed by
// os.Exit(ExitCodeRestart).
func NewSystemOps(dataDir, version string, requestRestart func(), logger *slog.Logger) *SystemOps {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemOps{
		dataDir:   dataDir,
		version:   version,
		requestFn: requestRestart,
		logger:    logger.With("component", "hostops"),
	}
}

// StageUpdate records the requested version under the staging directory so
// the supervisor's launch script can install it before the next start.
func (o *SystemOps) StageUpdate(ctx context.Context, version string) error {
	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("empty version")
	}
	dir := filepath.Join(o.dataDir, "staging")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("staging dir: %w", err)
	}
	content := fmt.Sprintf("version: %s\nrequested_at: %s\n", version, time.Now().UTC().Format(time.RFC3339))
	tmp := filepath.Join(dir, "pending.tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write staging record: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "pending")); err != nil {
		return fmt.Errorf("publish staging record: %w", err)
	}
	o.logger.Info("update staged", "version", version)
	return nil
}

// Restart asks the daemon to shut down and be relaunched.
func (o *SystemOps) Restart(ctx context.Context) error {
	if o.requestFn == nil {
		return fmt.Errorf("restart not wired")
	}
	o.logger.Info("restart requested")
	o.requestFn()
	return nil
}

// Version reports the running build.
func (o *SystemOps) Version() string {
	if o.version == "" {
		return "dev"
	}
	return o.version
}

// StagedVersion reads the pending staging record, empty when none.
func (o *SystemOps) StagedVersion() string {
	data, err := os.ReadFile(filepath.Join(o.dataDir, "staging", "pending"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "version: "); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// FakeOps records calls for tests.
type FakeOps struct {
	mu       sync.Mutex
	Staged   []string
	Restarts int
	Ver      string
	FailWith error
}

func (f *FakeOps) StageUpdate(ctx context.Context, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Staged = append(f.Staged, version)
	return nil
}

func (f *FakeOps) Restart(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Restarts++
	return nil
}

func (f *FakeOps) Version() string {
	if f.Ver == "" {
		return "test"
	}
	return f.Ver
}
