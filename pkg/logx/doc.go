// Package logx wraps zerolog behind a small structured-logging API.
//
// Components hold a logx.Logger and never touch zerolog directly; the
// Service owns the root logger and can swap sinks and levels at runtime
// when the config file is reloaded.
package logx
