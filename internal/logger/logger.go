// Package logger builds the logrus instances used across peerdrop.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger configured from the PEERDROP_LOG_LEVEL
// environment variable, defaulting to info.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	level, err := logrus.ParseLevel(os.Getenv("PEERDROP_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}
