package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

// Tag formats a connection's remote endpoint as a short bracketed prefix
// for connection-scoped log lines, e.g.
// util.LogDebug("%s timed out, closing", util.Tag(c.remote)) — the
// address-keyed analogue of the teacher's per-socketID "[%08x]" prefix
// convention, since a connection here is identified by remote addr, not
// by a generated socket id.
func Tag(remote fmt.Stringer) string {
	return fmt.Sprintf("[%s]", remote)
}

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableVerbose configures the logger to show debug messages, toggled by
// the -v flag on both the server and client CLIs.
func EnableVerbose() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
