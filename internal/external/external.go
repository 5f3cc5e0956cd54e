// Package external launches the interactive subprocess integrations the
// orchestrator hands the terminal to: an external editor and a terminal
// multiplexer window rooted at a session's worktree (spec.md §6.5). The
// editor is started over a pty, grounded on the teacher's
// cmd/entire/cli/integration_test/interactive.go pty.Start convention; the
// tmux window is opened with a plain `tmux new-window` command.
package external

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/agentty/agentty/internal/apperr"
)

// EditorCommand is the external editor launched for a session's worktree.
// Hard-coded to nvim per spec.md §6.5; not user-configurable in this scope.
const EditorCommand = "nvim"

// MultiplexerCommand is the terminal multiplexer used to open a worktree in
// a new window.
const MultiplexerCommand = "tmux"

// LaunchEditor starts nvim rooted at folder over a pty and returns as soon as
// it has started, handing back the pty (so the caller can wire it to the
// current terminal) and the running command (for the caller to Wait on). The
// TUI is expected to pause its own event reading for the
// duration (spec.md §6.5: "TUI pauses event reading while the child is
// foregrounded").
func LaunchEditor(folder string) (*os.File, *exec.Cmd, error) {
	cmd := exec.Command(EditorCommand)
	cmd.Dir = folder

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindSubprocess, "failed to launch %s: %s", EditorCommand, err.Error())
	}
	return ptmx, cmd, nil
}

// OpenTmuxWindow opens a new tmux window rooted at folder, named after the
// session, inside the given tmux session (or the attached one, when
// tmuxSession is empty).
func OpenTmuxWindow(folder, tmuxSession, windowName string) error {
	if _, err := exec.LookPath(MultiplexerCommand); err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "%s is not installed", MultiplexerCommand)
	}

	args := []string{"new-window", "-c", folder}
	if tmuxSession != "" {
		args = append(args, "-t", tmuxSession)
	}
	if windowName != "" {
		args = append(args, "-n", windowName)
	}

	cmd := exec.Command(MultiplexerCommand, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return apperr.Wrap(apperr.KindSubprocess, "failed to open tmux window: %s", outputOrErr(out, err))
	}
	return nil
}

func outputOrErr(out []byte, err error) string {
	if len(out) > 0 {
		return string(out)
	}
	return err.Error()
}

// ToolHealth reports whether an external tool binary is reachable on PATH,
// feeding the Health/Git-Status Probe's external-tool readout (spec.md §4
// "Health/Git-Status Probe").
func ToolHealth(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// CheckRequiredTools reports the first missing tool among the orchestrator's
// hard subprocess dependencies, used at boot to fail fast per spec.md §6.1
// ("non-zero on fatal startup error").
func CheckRequiredTools(agentCLIs ...string) error {
	for _, tool := range append([]string{"git", "gh"}, agentCLIs...) {
		if !ToolHealth(tool) {
			return fmt.Errorf("required tool %q is not installed or not on PATH", tool)
		}
	}
	return nil
}
