// Package logging provides structured logging for acorns.
//
// It wraps log/slog with a JSON handler. Child loggers carry persistent
// attributes for the program, worker and component a line came from, so a
// single acorns.log can be filtered per program after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(logging.Options{Dir: dir, Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithProgram("blink").Info("program loaded", "version", tag)
//
// # Rotation
//
// When a directory is configured, acorns.log is written through a
// [RotatingWriter], which rotates by size and optionally gzips backups.
// The writer works on an afero filesystem so tests can use an in-memory one.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package logging
