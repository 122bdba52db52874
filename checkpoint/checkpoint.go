// Package checkpoint implements the kernel's stop-the-world snapshot: a
// self-describing, versioned document capturing monotonic time, the
// event-log sequence cursor, full ledger state, full store state (including
// tombstones within retention), and per-agent supervisor state. Saved atomically
// under a numbered directory so a crash mid-write never corrupts the prior
// snapshot.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agentecology/kernel/domain/artifact"
	"github.com/agentecology/kernel/eventlog"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/ledger"
	"github.com/agentecology/kernel/store"
	"github.com/agentecology/kernel/supervisor"
)

// CurrentVersion is bumped whenever Snapshot's shape changes incompatibly.
const CurrentVersion = 1

// Snapshot is the complete, self-describing checkpoint document.
type Snapshot struct {
	Version        int                                  `json:"version"`
	SavedAt        time.Time                             `json:"saved_at"`
	EventLogCursor uint64                                `json:"event_log_cursor"`
	Ledger         map[string]ledger.PrincipalSnapshot    `json:"ledger"`
	Store          map[artifact.ID]store.Record           `json:"store"`
	Agents         []supervisor.State                     `json:"agents"`
}

// Build assembles a Snapshot from the kernel's live components. Callers are
// responsible for having already paused every agent loop (supervisor.Pause)
// so the outermost invoke is the atomic unit straddled by no checkpoint.
func Build(clock func() time.Time, events *eventlog.Log, led *ledger.Ledger, st *store.Store, sup *supervisor.Supervisor) Snapshot {
	if clock == nil {
		clock = time.Now
	}
	return Snapshot{
		Version:        CurrentVersion,
		SavedAt:        clock(),
		EventLogCursor: events.Cursor(),
		Ledger:         led.Snapshot(),
		Store:          st.Snapshot(),
		Agents:         sup.Snapshot(),
	}
}

// Apply restores ledger and store state from snap. Agent supervisor state is
// restored separately by the caller via supervisor.Restore, once the
// supervisor itself has been constructed against the restored engine —
// restoring it here would require this package to depend on the engine,
// inverting the dependency direction the rest of the kernel follows.
func Apply(snap Snapshot, led *ledger.Ledger, st *store.Store) {
	led.Restore(snap.Ledger)
	st.Restore(snap.Store)
}

const fileName = "checkpoint.json"

// checkpointDir returns the numbered directory for seq under baseDir's
// checkpoints/ subtree, e.g. baseDir/checkpoints/000042.
func checkpointDir(baseDir string, seq int) string {
	return filepath.Join(baseDir, "checkpoints", fmt.Sprintf("%06d", seq))
}

// Save writes snap to baseDir/checkpoints/NNNNNN/checkpoint.json, atomically
// (write to a temp file in the same directory, then rename). Returns the
// directory written.
func Save(baseDir string, seq int, snap Snapshot) (string, error) {
	dir := checkpointDir(baseDir, seq)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}

	finalPath := filepath.Join(dir, fileName)
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	return dir, nil
}

// Load reads a checkpoint from a directory (as returned by Save/Latest) or a
// direct path to its checkpoint.json file.
func Load(path string) (Snapshot, error) {
	candidate := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		candidate = filepath.Join(path, fileName)
	}

	raw, err := os.ReadFile(candidate)
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, kernelerr.Internal("checkpoint is corrupt", err)
	}
	if snap.Version != CurrentVersion {
		return Snapshot{}, kernelerr.Internal(
			fmt.Sprintf("checkpoint version %d is not supported (expected %d)", snap.Version, CurrentVersion), nil)
	}
	return snap, nil
}

// Latest finds the highest-numbered checkpoint directory under baseDir,
// returning ok=false if none exists yet.
func Latest(baseDir string) (dir string, seq int, ok bool, err error) {
	entries, err := os.ReadDir(filepath.Join(baseDir, "checkpoints"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}

	best := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if n > best {
			best = n
		}
	}
	if best < 0 {
		return "", 0, false, nil
	}
	return checkpointDir(baseDir, best), best, true, nil
}
