//go:build !windows

package lifecycle

import (
	"os"
	"syscall"
)

// TerminationSignals end the control loop. SIGHUP is included so closing the
// terminal stops the speaker session cleanly.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}
