// Package common provides centralized logging infrastructure for the Orbital server.
// The logging system is built on logrus for structured logging with custom output
// handling: error-level messages are routed to stderr while other levels go to
// stdout, enabling proper stream separation in containerized deployments.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on their
// severity level. Monitoring systems can then treat the error stream with higher
// priority than the general log stream.
type OutputSplitter struct{}

// Write routes messages containing "level=error" to stderr and everything else
// to stdout. The pattern matches logrus's standard output format across both
// the text and JSON formatters.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the Orbital server. All packages
// use this logger to ensure uniform output handling and formatting.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the logging section of the server configuration to
// the global logger. Unknown levels fall back to info.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
