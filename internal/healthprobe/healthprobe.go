// Package healthprobe periodically refreshes per-project ahead/behind
// counts and external-tool availability, publishing the results onto the
// event bus (spec.md §4 "Health/Git-Status Probe" component row, recovered
// from the original Rust source's ui/util.rs status-line formatting — the
// Non-goals section excludes rendering, not the underlying probe).
package healthprobe

import (
	"context"
	"time"

	"github.com/agentty/agentty/internal/applog"
	"github.com/agentty/agentty/internal/domain"
	"github.com/agentty/agentty/internal/eventbus"
	"github.com/agentty/agentty/internal/external"
	"github.com/agentty/agentty/internal/gitops"
)

// DefaultInterval is how often the probe refreshes, per spec.md §4
// "periodic (interval configurable, default 5s)".
const DefaultInterval = 5 * time.Second

// ProjectSource supplies the set of registered projects to probe.
type ProjectSource interface {
	LoadProjects(ctx context.Context) ([]domain.Project, error)
}

// Probe periodically fetches each project's remote and publishes its
// ahead/behind counts, and checks the configured agent CLIs plus git/gh for
// reachability.
type Probe struct {
	projects ProjectSource
	bus      *eventbus.Bus
	interval time.Duration
	agents   []string
}

// New creates a Probe with DefaultInterval. Use Probe.interval via
// WithInterval to override it (e.g. in tests).
func New(projects ProjectSource, bus *eventbus.Bus, agentCLIs ...string) *Probe {
	return &Probe{projects: projects, bus: bus, interval: DefaultInterval, agents: agentCLIs}
}

// WithInterval overrides the refresh period, returning the same Probe for
// chaining.
func (p *Probe) WithInterval(d time.Duration) *Probe {
	p.interval = d
	return p
}

// Run blocks, refreshing on a ticker until ctx is canceled.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Probe) tick(ctx context.Context) {
	p.checkTools(ctx)
	p.checkProjects(ctx)
}

func (p *Probe) checkTools(ctx context.Context) {
	for _, tool := range append([]string{"git", "gh"}, p.agents...) {
		ok := external.ToolHealth(tool)
		p.bus.Publish(eventbus.AppEvent{Kind: eventbus.ExternalToolHealthUpdated, Tool: tool, ToolOK: ok})
		if !ok {
			applog.Warn(ctx, "external tool unavailable", "tool", tool)
		}
	}
}

func (p *Probe) checkProjects(ctx context.Context) {
	projects, err := p.projects.LoadProjects(ctx)
	if err != nil {
		applog.Warn(ctx, "health probe failed to load projects", "error", err.Error())
		return
	}

	for _, proj := range projects {
		if err := gitops.FetchRemote(ctx, proj.Path); err != nil {
			applog.Debug(ctx, "health probe fetch failed", "project", proj.Path, "error", err.Error())
			continue
		}
		ahead, behind, err := gitops.AheadBehind(ctx, proj.Path)
		if err != nil {
			applog.Debug(ctx, "health probe ahead/behind failed", "project", proj.Path, "error", err.Error())
			continue
		}
		p.bus.Publish(eventbus.AppEvent{
			Kind:      eventbus.ProjectAheadBehindUpdated,
			ProjectID: proj.ID,
			Ahead:     ahead,
			Behind:    behind,
		})
	}
}
