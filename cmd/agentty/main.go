// Command agentty is the orchestrator daemon's entrypoint: a minimal cobra
// root command that loads configuration, opens the store, wires the
// session manager and health probe, runs boot-time reconciliation, and
// blocks until an interrupt (spec.md §6.1). Argument parsing beyond that —
// and all rendering — stay out of scope (SPEC_FULL.md "Non-goals").
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentty/agentty/internal/appserver"
	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/config"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/eventbus"
	"github.com/agentty/agentty/internal/external"
	"github.com/agentty/agentty/internal/healthprobe"
	"github.com/agentty/agentty/internal/opledger"
	"github.com/agentty/agentty/internal/registry"
	"github.com/agentty/agentty/internal/sessionmgr"
	"github.com/agentty/agentty/internal/store"
	"github.com/agentty/agentty/internal/telemetry"
)

// Version and Commit are set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func agentCLINames() []string {
	names := make([]string, 0, len(domain.AllKinds()))
	for _, kind := range domain.AllKinds() {
		adapter, err := appserver.Get(kind)
		if err != nil {
			continue
		}
		name, _ := adapter.Command("", domain.DefaultModel(kind))
		names = append(names, name)
	}
	return names
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(root.OutOrStderr(), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var basePath string

	cmd := &cobra.Command{
		Use:           "agentty",
		Short:         "Runs the agentty session orchestrator",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), basePath)
		},
	}
	cmd.PersistentFlags().StringVar(&basePath, "base-path", "", "override the directory session worktrees are created under")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentty %s (%s)\n", Version, Commit)
		},
	}
}

// newDoctorCmd reports whether git, gh and the configured agent CLIs are on
// PATH, the same reachability check the health probe runs on a timer
// (spec.md §4 "Health/Git-Status Probe"), but as a one-shot print for
// operators diagnosing a misconfigured environment.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that git, gh and the configured agent CLIs are reachable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ok := true
			for _, tool := range append([]string{"git", "gh"}, agentCLINames()...) {
				status := "ok"
				if !external.ToolHealth(tool) {
					status = "MISSING"
					ok = false
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", tool, status)
			}
			if !ok {
				return errors.New("one or more required tools are missing")
			}
			return nil
		},
	}
}

// runDaemon wires the orchestrator's components together and blocks until
// ctx is canceled: store -> ledger/registry/bus -> session manager -> boot
// reconciliation -> health probe, following the same construction order the
// teacher's root command wires its settings/strategy/telemetry chain in.
func runDaemon(ctx context.Context, basePathOverride string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if basePathOverride != "" {
		cfg.BasePath = basePathOverride
	}
	applog.Init(os.Stderr, cfg.LogLevel)

	agentCLIs := agentCLINames()
	if err := external.CheckRequiredTools(agentCLIs...); err != nil {
		return err
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	dbPath := filepath.Join(dir, store.DBDirName, store.DBFileName)
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	ledger := opledger.New(st)
	reg := registry.New(st)
	bus := eventbus.New()
	defer bus.Close()
	client := appserver.NewClient()
	telem := telemetry.NewClient(Version, cfg.TelemetryEnabled)
	defer telem.Close()

	mgr := sessionmgr.New(st, ledger, reg, bus, client, cfg.BasePath, telem)
	if err := mgr.Boot(ctx); err != nil {
		return fmt.Errorf("boot reconciliation: %w", err)
	}

	if _, err := reg.Refresh(ctx); err != nil {
		applog.Warn(ctx, "initial registry refresh failed", "error", err.Error())
	}

	probe := healthprobe.New(st, bus, agentCLIs...)
	go probe.Run(ctx)

	applog.Info(ctx, "agentty daemon started", "base_path", cfg.BasePath, "db_path", dbPath)
	<-ctx.Done()
	applog.Info(ctx, "agentty daemon shutting down, draining in-flight turns")
	mgr.Wait()
	return nil
}
