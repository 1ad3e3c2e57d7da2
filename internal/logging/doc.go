// Package logging provides structured logging for arbiter.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - run correlation fields pulled from context (run_id, stage, branch_id)
//   - redaction of sensitive keys and value patterns
//   - level-aware sampling (errors are never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithStage(ctx, "reasoning")
//	logger.Info(ctx, "stage completed", zap.Duration("elapsed", d))
package logging
