// Package logging wires a single injectable logrus.Logger used across the
// messaging core, following the same LogPrefix/LogDebug idiom the transport
// and election layers use for per-component log lines.
package logging

import (
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger = logrus.New()

// SetLogger replaces the package-wide logger. Call before constructing any
// component that takes a LogPrefix, typically once at process startup.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		return
	}
	log = l
}

// Logger returns the currently configured logger.
func Logger() *logrus.Logger {
	return log
}

// For builds component-scoped fields, mirroring the "%s: " LogPrefix
// convention used throughout the transport layer but as structured fields
// instead of a formatted string prefix.
func For(prefix string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"component": prefix})
}

// WithDescriptor further scopes a component entry to one connection/peer
// descriptor, the way ConnVolatileData.Descriptor scopes log lines per-conn.
func WithDescriptor(prefix string, descriptor string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"component": prefix, "descriptor": descriptor})
}
