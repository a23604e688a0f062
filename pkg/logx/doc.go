// Package logx configures raspimon's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional forwarding sink (min-level + rate limiting) that feeds the
//     mail logging transport
package logx
