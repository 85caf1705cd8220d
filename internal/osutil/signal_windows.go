// +build windows !unix

package osutil

import (
	"os"
)

// NotifySignals is a no-op on windows; there is no SIGUSR1 and the terminators arrive through
// other means.
func NotifySignals(c chan os.Signal) {
}

// IsStatusSignal distinguishes the report-only signal from the terminators. Never true here.
func IsStatusSignal(s os.Signal) bool {
	return false
}
