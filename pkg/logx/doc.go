// Package logx configures batchbridge's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for log shippers (format "json")
//   - An optional append-only file sink
package logx
