package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/jra3/fspolicy/internal/types"
)

// Actions passed as the first argv element of the external command.
const (
	actionArchive = "ARCHIVE"
	actionRestore = "RESTORE"
)

// runAction invokes the configured transfer command with a fixed
// positional argv: action, source, destination, optional hints. The argv
// is passed verbatim to the process, never through a shell.
func runAction(ctx context.Context, cmd string, args ...string) error {
	if cmd == "" {
		return fmt.Errorf("%w: no action command configured", types.ErrInvalidInput)
	}

	c := exec.CommandContext(ctx, cmd, args...)
	err := c.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("spawn %s: %w", cmd, err)
	}

	if ws, ok := exitErr.Sys().(unix.WaitStatus); ok && ws.Signaled() {
		return fmt.Errorf("%s terminated by signal %d: %w", cmd, ws.Signal(), types.ErrIoTransient)
	}

	switch code := exitErr.ExitCode(); code {
	case 126:
		return fmt.Errorf("%s: permission problem or not an executable: %w", cmd, types.ErrPermission)
	case 127:
		return fmt.Errorf("%s: command not found: %w", cmd, types.ErrNotFound)
	case 128:
		return fmt.Errorf("%s: invalid argument to exit: %w", cmd, types.ErrInvalidInput)
	default:
		return fmt.Errorf("%s exited with status %d: %w", cmd, code, types.ErrIoFatal)
	}
}
