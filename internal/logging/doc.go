// Package logging provides structured logging for ladder.
//
// Entries are JSON lines produced by log/slog. Child loggers carry
// persistent attributes so a single run's log can be filtered per worker
// or per level after the fact:
//
//	logger, err := logging.NewLogger(stateDir, "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	wlog := logger.WithFeature("auth").WithWorker(2).WithLevel(1)
//	wlog.Info("task claimed", "task_id", "T1")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"task claimed","feature":"auth","worker_id":2,"task_level":1,"task_id":"T1"}
//
// The log file can be rotated by size with [NewLoggerWithRotation].
// Library packages default to [NopLogger] when no logger is supplied.
package logging
