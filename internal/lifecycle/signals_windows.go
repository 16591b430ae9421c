//go:build windows

package lifecycle

import "os"

// TerminationSignals end the control loop. Windows only delivers Ctrl-C.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
