// Package appserver drives one child agent process per (folder, model) over
// the line-delimited JSON-RPC "app-server protocol" (spec.md §4.2): spawn,
// initialize handshake, thread/turn start, streaming event parse, approval
// auto-response, proactive/reactive compaction, and restart-on-crash-retry.
// It is grounded on the original Rust infra/codex_app_server.rs, the
// teacher's registry/factory pattern (cmd/entire/cli/agent/registry.go), and
// the teacher's os/exec conventions (cmd/entire/cli/summarize/claude.go).
package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentty/agentty/internal/apperr"
)

// TurnTimeout is the 15-minute per-turn bound value (spec.md §4.2
// "Timeout"). No read in this package applies it: turn and compaction loops
// block until the app-server sends a terminal event or its stdout closes.
const TurnTimeout = 15 * time.Minute

// Transport owns the stdin/stdout pipes of one spawned app-server process,
// separated from the protocol state machine so the event loop can be driven
// against an in-process fake in tests (SPEC_FULL.md App-Server Client note).
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Scanner

	mu sync.Mutex
}

// Spawn starts command name with args in dir, piping stdin/stdout and
// discarding stderr.
func Spawn(ctx context.Context, dir, name string, args ...string) (*Transport, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stderr = nil

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening app-server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening app-server stdout: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.KindSubprocess, "failed to spawn %s: %s", name, err.Error())
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &Transport{cmd: cmd, stdin: stdin, reader: scanner}, nil
}

// newTransportFromPipes builds a Transport directly over an arbitrary
// stdin/stdout pair instead of a spawned process, used to drive the protocol
// state machine against an in-process fake server in tests (client_test.go's
// fakeServer over io.Pipe).
func newTransportFromPipes(stdin io.WriteCloser, stdout io.Reader) *Transport {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Transport{stdin: stdin, reader: scanner}
}

// WriteLine marshals v to JSON and writes it as one line to the child's
// stdin.
func (t *Transport) WriteLine(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling app-server request: %w", err)
	}
	data = append(data, '\n')
	if _, err := t.stdin.Write(data); err != nil {
		return apperr.Wrap(apperr.KindTransport, "failed writing to app-server stdin: %s", err.Error())
	}
	return nil
}

// ReadLine blocks for the next non-empty line from the child's stdout,
// returning the raw bytes (not yet parsed into a message) so callers can
// decode opportunistically and skip unparseable lines, matching the
// original's "if let Ok(...) = serde_json::from_str(...) else { continue }"
// tolerance.
func (t *Transport) ReadLine() ([]byte, error) {
	for t.reader.Scan() {
		line := t.reader.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := t.reader.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "reading app-server stdout: %s", err.Error())
	}
	return nil, apperr.Wrap(apperr.KindTransport, "app-server terminated before a terminal event was received")
}

// PID returns the child process id, or -1 for a process-less Transport.
func (t *Transport) PID() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return -1
	}
	return t.cmd.Process.Pid
}

// Shutdown terminates the child, waiting briefly for a clean exit before
// killing it. For a fake, process-less Transport it just closes stdin.
func (t *Transport) Shutdown(ctx context.Context) {
	_ = t.stdin.Close()

	if t.cmd == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = t.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-done
	case <-ctx.Done():
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	}
}

func newRequestID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
