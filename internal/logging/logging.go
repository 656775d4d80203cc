// Package logging wires up the structured logger shared by every
// component, tagging each entry with the fields that make a multi-peer log
// stream greppable: pid and the emitting component.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger writing to stderr with the given debug
// toggle, mirroring the level-gated verbosity used across the codebase.
func New(pid int, debug bool) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// For returns an entry pre-populated with the peer and component fields so
// call sites don't repeat WithFields boilerplate.
func For(log *logrus.Logger, pid int, component string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"pid": pid, "component": component})
}
