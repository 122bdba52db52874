// Command kernel runs the agent-ecology kernel: it wires the artifact
// store, ledger, contract evaluator, sandbox, execution engine, genesis
// facades, and agent supervisor together, then drives the run until
// shutdown or an unrecoverable fault.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentecology/kernel/checkpoint"
	"github.com/agentecology/kernel/contract"
	"github.com/agentecology/kernel/engine"
	"github.com/agentecology/kernel/eventlog"
	"github.com/agentecology/kernel/genesis"
	"github.com/agentecology/kernel/infrastructure/config"
	"github.com/agentecology/kernel/infrastructure/kernelerr"
	"github.com/agentecology/kernel/infrastructure/logging"
	"github.com/agentecology/kernel/infrastructure/metrics"
	"github.com/agentecology/kernel/ledger"
	"github.com/agentecology/kernel/llm"
	"github.com/agentecology/kernel/sandbox"
	"github.com/agentecology/kernel/store"
	"github.com/agentecology/kernel/supervisor"
	"github.com/agentecology/kernel/tokenbucket"
)

const (
	exitOK                = 0
	exitConfigError       = 1
	exitCheckpointCorrupt = 2
	exitRuntimeError      = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: kernel run [--checkpoint=<path>] | kernel inspect <path>")
		return exitConfigError
	}

	switch args[0] {
	case "run":
		return runCmd(args[1:])
	case "inspect":
		return inspectCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		return exitConfigError
	}
}

func runCmd(args []string) int {
	var checkpointPath string
	for _, a := range args {
		const prefix = "--checkpoint="
		if len(a) > len(prefix) && a[:len(prefix)] == prefix {
			checkpointPath = a[len(prefix):]
		}
	}

	cfg, err := config.Load(os.Getenv("KERNEL_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfigError
	}

	log := logging.New("kernel", cfg.LogLevel, cfg.LogFormat)
	m := metrics.Init("kernel")

	k, err := bootstrap(cfg, log, m)
	if err != nil {
		log.WithError(err).Error("bootstrap failed")
		if kernelerr.CodeOf(err) == kernelerr.CodeInternal {
			return exitRuntimeError
		}
		return exitConfigError
	}
	defer k.events.Close()

	if checkpointPath != "" {
		snap, err := checkpoint.Load(checkpointPath)
		if err != nil {
			log.WithError(err).Error("checkpoint load failed")
			return exitCheckpointCorrupt
		}
		checkpoint.Apply(snap, k.led, k.st)
		for _, st := range snap.Agents {
			k.sup.Restore(st)
		}
	} else {
		if dir, _, ok, err := checkpoint.Latest(cfg.DataDir); err == nil && ok {
			snap, err := checkpoint.Load(dir)
			if err != nil {
				log.WithError(err).Error("latest checkpoint is corrupt")
				return exitCheckpointCorrupt
			}
			checkpoint.Apply(snap, k.led, k.st)
			for _, st := range snap.Agents {
				k.sup.Restore(st)
			}
		} else {
			for _, meta := range k.st.Search(store.SearchQuery{HasStanding: boolPtr(true), HasExecutable: boolPtr(true)}) {
				k.sup.Spawn(meta.ID)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	seq := 0
	_, _ = c.AddFunc(fmt.Sprintf("@every %s", cfg.CheckpointInterval), func() {
		seq++
		if err := takeCheckpoint(cfg.DataDir, seq, k); err != nil {
			log.WithError(err).Error("checkpoint failed")
		}
	})
	c.Start()

	<-ctx.Done()
	log.WithFields(nil).Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := k.sup.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("supervisor shutdown did not complete cleanly")
	}
	c.Stop()

	seq++
	if err := takeCheckpoint(cfg.DataDir, seq, k); err != nil {
		log.WithError(err).Error("final checkpoint failed")
		return exitRuntimeError
	}
	return exitOK
}

func boolPtr(b bool) *bool { return &b }

func takeCheckpoint(dataDir string, seq int, k *kernel) error {
	k.sup.Pause()
	defer k.sup.Resume()

	snap := checkpoint.Build(nil, k.events, k.led, k.st, k.sup)
	_, err := checkpoint.Save(dataDir, seq, snap)
	return err
}

func inspectCmd(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: kernel inspect <path>")
		return exitConfigError
	}
	snap, err := checkpoint.Load(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "checkpoint error:", err)
		return exitCheckpointCorrupt
	}

	fmt.Printf("checkpoint version: %d\n", snap.Version)
	fmt.Printf("saved at:           %s\n", snap.SavedAt.Format(time.RFC3339))
	fmt.Printf("event log cursor:   %d\n", snap.EventLogCursor)
	fmt.Printf("principals:         %d\n", len(snap.Ledger))
	fmt.Printf("artifacts:          %d\n", len(snap.Store))
	fmt.Printf("agents:             %d\n", len(snap.Agents))
	for _, a := range snap.Agents {
		status := "running"
		if a.Quarantined {
			status = "quarantined"
		}
		fmt.Printf("  - %-40s %-12s consecutive=%d total=%d\n", a.ID, status, a.ConsecutiveFailures, a.TotalFailures)
	}
	return exitOK
}

// kernel bundles every top-level component the CLI needs a handle to.
type kernel struct {
	events *eventlog.Log
	led    *ledger.Ledger
	st     *store.Store
	eng    *engine.Engine
	sup    *supervisor.Supervisor
}

// bootstrap wires the kernel's dependency graph in the order required by
// the store<->contract<->engine narrow-interface pattern: construct each
// component with what already exists, then close the two initialization
// cycles with SetPermissionChecker / SetInvoker once both sides exist.
func bootstrap(cfg config.Config, log *logging.Logger, m *metrics.Metrics) (*kernel, error) {
	events, err := eventlog.Open(filepath.Join(cfg.DataDir, "events.log"),
		eventlog.WithLogger(log), eventlog.WithMetrics(m))
	if err != nil {
		return nil, kernelerr.Internal("open event log", err)
	}

	led := ledger.New(
		ledger.WithLogger(log), ledger.WithMetrics(m), ledger.WithEventAppender(events))

	buckets := make(map[string]ledger.BucketSpec, len(cfg.DefaultBuckets))
	for resource, b := range cfg.DefaultBuckets {
		buckets[resource] = ledger.BucketSpec{Rate: b.Rate, Capacity: b.Capacity, DebtAllowed: b.DebtAllowed}
	}

	st := store.New(led,
		store.WithLogger(log), store.WithMetrics(m), store.WithEventAppender(events),
		store.WithTombstoneRetention(cfg.TombstoneRetention), store.WithDefaultBuckets(buckets))

	sb := sandbox.New(16 << 20)

	ev := contract.New(st, sb, cfg.MaxPermissionDepth, 4096, contract.WithMetrics(m))
	st.SetPermissionChecker(ev)

	sysConfigs := make(map[string]tokenbucket.SystemLimiterConfig, len(cfg.DefaultBuckets))
	for resource, b := range cfg.DefaultBuckets {
		sysConfigs[resource] = tokenbucket.SystemLimiterConfig{RatePerSecond: b.Rate, Burst: int(b.Capacity)}
	}
	sys := tokenbucket.NewSystemLimiter(sysConfigs)

	llmClient := llm.NewResilientClient(llm.NoopBackend{}, log)

	eng := engine.New(st, led, ev, events, sb, sys, engine.Config{
		MaxInvocationDepth: cfg.MaxInvocationDepth,
		CallTimeout:        cfg.CallTimeout,
		BaseInvokeCost:     1,
		LLMResource:        "llm_tokens",
	}, engine.WithLogger(log), engine.WithMetrics(m), engine.WithLLMClient(llmClient))
	ev.SetInvoker(eng)

	if err := genesis.Install(st, led, eng); err != nil {
		events.Close()
		return nil, kernelerr.Internal("install genesis artifacts", err)
	}

	sup := supervisor.New(eng, events, supervisor.DefaultConfig(),
		supervisor.WithLogger(log), supervisor.WithMetrics(m))

	return &kernel{events: events, led: led, st: st, eng: eng, sup: sup}, nil
}
