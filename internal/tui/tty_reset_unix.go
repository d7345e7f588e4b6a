//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY puts the terminal back into a sane state after the
// dashboard exits abnormally. bubbletea restores the modes itself on a clean
// quit, but a panic or kill can leave raw mode on.
func bestEffortResetTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		// Not attached to a terminal, nothing to restore.
		return
	}
	// Go through /dev/tty rather than stdin so this works under redirection.
	// Failures are ignored; there is nothing useful to do with them.
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1").Run()
}
