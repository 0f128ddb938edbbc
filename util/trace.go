package util

import (
	"log/slog"
	"time"
)

// Trace 用法: defer util.Trace("express run")()
func Trace(msg string) func() {
	start := time.Now()
	slog.Debug("enter", "op", msg)
	return func() {
		slog.Debug("exit", "op", msg, "cost", time.Since(start))
	}
}
