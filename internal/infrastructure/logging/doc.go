// Package logging builds the slog-based loggers shared by every
// component of the bridge.
//
// Entries always carry "service" and "version". Configuration:
//
//	logging:
//	  level: info      # debug, info, warn, error
//	  format: json     # json or text
//	  output: stdout   # stdout or stderr
//
// When the console owns the terminal, cmd/ethrelay hands its writer to
// NewWithWriter so entries print above the prompt.
//
// The module password must never be logged; frame values redact it
// when formatted.
package logging
