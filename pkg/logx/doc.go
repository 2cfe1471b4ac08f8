// Package logx is a thin structured-logging facade over zerolog.
//
// It fans events out to console, an append-only file, and optionally a
// Telegram chat thread (warn+ by default, rate-limited) so operators see
// failures without shell access to the host.
package logx
