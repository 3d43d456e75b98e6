// Package logx is agentflow's structured logging on top of zerolog.
//
// Loggers carry fixed fields (With) and stay attached to the Service that
// created them, so a config reload can change level and sinks without
// re-creating component loggers. Stdout is human-readable by default; the
// optional file sink is always JSON.
package logx
