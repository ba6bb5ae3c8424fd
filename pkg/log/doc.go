/*
Package log provides structured logging for tailkeeper using zerolog.

A single package-level Logger is configured once by Init. Packages derive
child loggers at construction time:

	logger := log.WithComponent("reconciler")
	logger.Info().Int("workloads", n).Msg("Discovery cycle complete")

Session loggers also carry the workload:

	logger := log.WithWorkload("session", "my-worker")

Output is either human-readable console text or one JSON object per line.
Until Init is called the Logger discards everything, which keeps tests
quiet.
*/
package log
