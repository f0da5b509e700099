// Package logging provides structured logging using uber/zap.
//
// Two output modes:
//   - Production: JSON on stdout
//   - Development: colored console output, stack traces from Warn up
//
// Setting Config.File adds a second JSON sink rotated by lumberjack.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("proxy listening", zap.String("addr", ":8080"))
//	logger.Warn("page init timeout", zap.Int("page", id))
package logging
