// File: internal/logging/logging.go
// Author: momentics <momentics@gmail.com>
//
// Package logging holds the process-wide structured logger. The level is
// taken from LOG_LEVEL at startup; components derive prefixed loggers via
// Component.

package logging

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

var Logger *log.Logger

func init() {
	Logger = log.New(os.Stderr)

	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		Logger.SetLevel(log.DebugLevel)
	case "WARN", "WARNING":
		Logger.SetLevel(log.WarnLevel)
	case "ERROR":
		Logger.SetLevel(log.ErrorLevel)
	default:
		Logger.SetLevel(log.InfoLevel)
	}
}

// Component returns a logger prefixed with the component name.
func Component(name string) *log.Logger {
	return Logger.WithPrefix(name)
}

func Debug(msg interface{}, keyvals ...interface{}) {
	Logger.Debug(msg, keyvals...)
}

func Info(msg interface{}, keyvals ...interface{}) {
	Logger.Info(msg, keyvals...)
}

func Warn(msg interface{}, keyvals ...interface{}) {
	Logger.Warn(msg, keyvals...)
}

func Error(msg interface{}, keyvals ...interface{}) {
	Logger.Error(msg, keyvals...)
}
