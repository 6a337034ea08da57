// Package logging builds the leveled logger threaded through the pipeline.
//
// Verbosity is a value carried by the run configuration rather than process
// state: every component receives the *logrus.Logger it should write to.
package logging

import (
	"io"
	"strings"

	"github.com/atlasmap-sc/triku/internal/counts"
	"github.com/sirupsen/logrus"
)

// Verbosity names accepted in configuration, from most to least verbose.
const (
	VerbosityDebug    = "debug"
	VerbosityTriku    = "triku"
	VerbosityInfo     = "info"
	VerbosityWarning  = "warning"
	VerbosityError    = "error"
	VerbosityCritical = "critical"
)

// Verbosities lists the accepted verbosity names.
var Verbosities = []string{
	VerbosityDebug, VerbosityTriku, VerbosityInfo,
	VerbosityWarning, VerbosityError, VerbosityCritical,
}

// ParseVerbosity maps a verbosity name onto a logrus level. "triku" sits
// between debug and info and carries per-step pipeline details.
func ParseVerbosity(v string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case VerbosityDebug:
		return logrus.TraceLevel, nil
	case VerbosityTriku:
		return logrus.DebugLevel, nil
	case VerbosityInfo:
		return logrus.InfoLevel, nil
	case VerbosityWarning, "":
		return logrus.WarnLevel, nil
	case VerbosityError:
		return logrus.ErrorLevel, nil
	case VerbosityCritical:
		return logrus.FatalLevel, nil
	default:
		return logrus.WarnLevel, counts.Configurationf("unknown verbosity %q (want one of %s)", v, strings.Join(Verbosities, ", "))
	}
}

// New creates a text logger writing to w at the given verbosity.
func New(verbosity string, w io.Writer) (*logrus.Logger, error) {
	lvl, err := ParseVerbosity(verbosity)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l, nil
}

// Discard returns a logger that drops everything; used when the caller does
// not supply one.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Diagnostic reports whether intermediate arrays should be kept for
// inspection, which happens below info level.
func Diagnostic(l *logrus.Logger) bool {
	return l != nil && l.IsLevelEnabled(logrus.DebugLevel)
}

// Triku logs at the pipeline-detail level.
func Triku(l *logrus.Logger, format string, args ...interface{}) {
	l.Debugf(format, args...)
}
