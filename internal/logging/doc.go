// Package logging provides structured logging for stageflow runs.
//
// It wraps log/slog with a JSON handler and carries persistent run context
// (run id, workflow, stage, gate) on child loggers so that every line written
// while a stage executes can be filtered after the fact.
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.Options{
//	    Path:  ".stageflow/stageflow.log",
//	    Level: "info",
//	    Rotation: logging.RotationConfig{MaxSizeMB: 10, MaxBackups: 3},
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	runLog := logger.WithRun("20250101-120000-ab12cd34").WithWorkflow("feature")
//	runLog.WithStage("plan").Info("stage completed", "duration_ms", 1500)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"stage completed","run_id":"20250101-120000-ab12cd34","workflow":"feature","stage":"plan","duration_ms":1500}
//
// # Thread Safety
//
// [Logger] and [RotatingWriter] are safe for concurrent use. Child loggers
// share the parent's writer.
package logging
