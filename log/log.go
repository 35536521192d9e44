// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log provides named per-subsystem loggers.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	if lvl, err := logrus.ParseLevel(os.Getenv("ETSEC_LOG")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// New returns a logger tagged with the given subsystem name.
func New(name string) *logrus.Entry {
	return root.WithField("sub", name)
}

// SetLevel changes the level of all loggers made by New.
func SetLevel(lvl logrus.Level) { root.SetLevel(lvl) }

// SetLevelName is SetLevel from a level name like "debug".
func SetLevelName(name string) error {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return err
	}
	root.SetLevel(lvl)
	return nil
}
