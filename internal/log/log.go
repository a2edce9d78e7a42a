package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Configure applies the configured level and switches to JSON output in production.
func Configure(level string, production bool) {
	logger.SetLevel(parseLevel(level))
	if production {
		logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func parseLevel(level string) logrus.Level {
	if level == "" {
		return logrus.InfoLevel
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
