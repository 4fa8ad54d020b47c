// Package logging provides structured logging for basekv replicas.
//
// # Overview
//
// The package offers one small interface with:
//
//   - Four log levels (debug, info, warn, error)
//   - Text and JSON output formats
//   - Request IDs for the lines of one client connection
//   - Persistent contextual fields
//
// The Debug/Info/Warn/Error methods have the same shape as raft.Logger, so
// a Logger plugs straight into a replica:
//
//	node.SetLogger(logger.WithFields("replica", cfg.Node.ID))
//
// # Creating a Logger
//
//	logger, err := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/basekv/basekv.log",
//	})
//
// Or use defaults:
//
//	logger := logging.NewDefault() // info level, text format, stdout
//
// For testing, use a no-op logger or write to a buffer:
//
//	logger := logging.NewNop()
//	logger := logging.NewWriter(&buf, logging.LevelDebug, logging.FormatJSON)
//
// # Structured Logging
//
//	logger.Info("role changed",
//	    "term", 7,
//	    "role", "leader",
//	    "reason", "vote won",
//	)
//
// Text format, fields sorted by key:
//
//	2026-02-18T10:30:00Z [info] role changed reason="vote won" role=leader term=7
//
// JSON format:
//
//	{"level":"info","msg":"role changed","reason":"vote won","role":"leader","term":7,"ts":"2026-02-18T10:30:00Z"}
//
// Error values are rendered with their message.
package logging
