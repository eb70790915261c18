package qemu

import (
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/forrest-ci/forrest/images"
	"github.com/forrest-ci/forrest/progress"
)

const (
	runLogMaxSizeMB  = 10
	runLogMaxBackups = 1
)

// openRunLog returns a structured JSON logger dedicated to a single run,
// distinct from the daemon's own operational log stream: this is the
// per-run "structured JSON log" operators tail alongside shell.sock and the
// disk image. lumberjack caps it at runLogMaxSizeMB with runLogMaxBackups
// rotated file, so one run's log cannot grow without bound.
func openRunLog(path string) zerolog.Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    runLogMaxSizeMB,
		MaxBackups: runLogMaxBackups,
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// eventTracker adapts a run's structured logger into a progress.Tracker for
// images.Manager.Fork/Commit, so slow first-use reflink/rename operations
// show up in the per-run log as they start and finish.
func eventTracker(runLog zerolog.Logger) progress.Tracker {
	return progress.NewTracker(func(ev images.Event) {
		e := runLog.Info()
		if ev.Err != nil {
			e = runLog.Warn().Err(ev.Err)
		}
		e.Str("op", ev.Op).Str("path", ev.Path).Bool("done", ev.Done).Msg("image lineage")
	})
}
