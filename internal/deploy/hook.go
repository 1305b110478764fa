package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandHook adapts a configured post_hook command line into a Hook. The
// checkout's absolute path is appended as the final argument. Combined
// output is folded into the error on failure.
func CommandHook(command string) Hook {
	args := strings.Fields(command)

	return func(ctx context.Context, path string) error {
		if len(args) == 0 {
			return nil
		}

		cmd := exec.CommandContext(ctx, args[0], append(args[1:], path)...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("post hook %q: %w: %s", args[0], err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}
