// Package logx configures portalwatch's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink (min-level + rate limiting) so warnings reach the operator
package logx
