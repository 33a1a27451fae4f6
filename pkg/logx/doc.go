// Package logx wraps zerolog behind a small Logger value with closure-based
// fields and hot-swappable sinks (console, file, rate-limited Telegram admin
// channel).
package logx
