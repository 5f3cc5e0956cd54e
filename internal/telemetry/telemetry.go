// Package telemetry is opt-in, anonymous usage telemetry on session
// lifecycle transitions (SPEC_FULL.md Domain Stack: "Opt-in anonymous usage
// telemetry on session lifecycle transitions, gated by internal/config the
// same way the teacher's telemetry package is gated by settings"). Unlike
// the teacher, which tracks one event per CLI invocation, this process is
// long-lived and multi-session, so events are tracked per session-lifecycle
// transition (created, merged, canceled, pull request opened) rather than
// per command.
package telemetry

import (
	"context"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"

	"github.com/agentty/agentty/internal/domain"
)

// PostHogAPIKey and PostHogEndpoint are set at build time for production;
// these are development defaults.
var (
	PostHogAPIKey   = "phc_development_key"
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// OptOutEnvVar disables telemetry regardless of configuration, matching the
// teacher's environment-variable escape hatch.
const OptOutEnvVar = "AGENTTY_TELEMETRY_OPTOUT"

// Event names a session lifecycle transition being tracked.
type Event string

const (
	EventSessionCreated  Event = "session_created"
	EventSessionMerged   Event = "session_merged"
	EventSessionCanceled Event = "session_canceled"
	EventPullRequestOpen Event = "pull_request_opened"
)

// Client records session lifecycle events. NoOpClient is used whenever
// telemetry is disabled, opted out of, or fails to initialize, so callers
// never need a nil check.
type Client interface {
	TrackSessionEvent(event Event, kind domain.AgentKind, sizeBucket domain.Size)
	Close()
}

// NoOpClient discards every event.
type NoOpClient struct{}

func (NoOpClient) TrackSessionEvent(Event, domain.AgentKind, domain.Size) {}
func (NoOpClient) Close()                                                {}

type silentLogger struct{}

func (silentLogger) Logf(_ string, _ ...interface{})   {}
func (silentLogger) Debugf(_ string, _ ...interface{}) {}
func (silentLogger) Warnf(_ string, _ ...interface{})  {}
func (silentLogger) Errorf(_ string, _ ...interface{}) {}

// PostHogClient is the real telemetry client.
type PostHogClient struct {
	client     posthog.Client
	machineID  string
	cliVersion string
}

// NewClient builds a telemetry Client from the orchestrator's configured
// preference. telemetryEnabled mirrors config.Config.TelemetryEnabled: nil
// or false disables telemetry, matching the teacher's "nil = not set,
// default to disabled" rule.
func NewClient(version string, telemetryEnabled *bool) Client {
	if os.Getenv(OptOutEnvVar) != "" {
		return NoOpClient{}
	}
	if telemetryEnabled == nil || !*telemetryEnabled {
		return NoOpClient{}
	}

	id, err := machineid.ProtectedID("agentty")
	if err != nil {
		return NoOpClient{}
	}

	// A fast-timeout transport so telemetry never delays session work.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 100 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   100 * time.Millisecond,
		ResponseHeaderTimeout: 100 * time.Millisecond,
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("agentty_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return NoOpClient{}
	}

	return &PostHogClient{client: client, machineID: id, cliVersion: version}
}

// TrackSessionEvent records one session lifecycle transition.
func (p *PostHogClient) TrackSessionEvent(event Event, kind domain.AgentKind, sizeBucket domain.Size) {
	if p == nil || p.client == nil {
		return
	}

	props := posthog.NewProperties().
		Set("agent_kind", string(kind)).
		Set("size_bucket", string(sizeBucket))

	//nolint:errcheck // best-effort telemetry; a failed enqueue must not affect session handling
	_ = p.client.Enqueue(posthog.Capture{
		DistinctId: p.machineID,
		Event:      string(event),
		Properties: props,
	})
}

// Close flushes pending events.
func (p *PostHogClient) Close() {
	if p == nil || p.client == nil {
		return
	}
	_ = p.client.Close()
}

type contextKey int

const clientKey contextKey = 0

// WithClient attaches a Client to ctx, following the same
// attach-on-context convention as internal/applog's WithSession/WithComponent.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey, c)
}

// FromContext returns the Client attached to ctx, or NoOpClient if none was
// attached.
func FromContext(ctx context.Context) Client {
	if c, ok := ctx.Value(clientKey).(Client); ok && c != nil {
		return c
	}
	return NoOpClient{}
}
