// Package logx configures chatsync's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for log shippers
//   - One runtime level shared by every derived logger, so a config reload
//     can change verbosity without rebuilding components
package logx
