// Package logx configures optinbot's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - Optional JSON file output for machine consumption
//   - A zero value that is a safe no-op logger
package logx
