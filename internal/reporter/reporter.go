/*
Package reporter defines the interface used by structs which can produce a printable report about
themselves - typically occupancy and traffic statistics.

Report() returns one or more newline separated lines suitable for a log file. The caller normally
splits multiple lines up and prefixes each with its own context such as a timestamp and the
reporter name. Empty lines are ignored and no trailing newline should be present, so single line
reporters need not bother with newlines at all - the caller is likely to go:
fmt.Println(you.Report(false)) or similar.
*/
package reporter

// Reporter is the sole package interface
type Reporter interface {

	// Name returns the name of the reportable struct. This is normally used
	// as a prefix for reportable output.
	Name() string

	// Report returns the printable report. If 'resetCounters' is true then any
	// internal values used to produce the report are reset to zero *after* the
	// report is produced. Implementations need to manage concurrent access as
	// Report() may be called from a different go-routine than the one mutating
	// the counters.
	Report(resetCounters bool) string
}
