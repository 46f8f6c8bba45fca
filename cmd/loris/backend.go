package main

import (
	"fmt"

	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/session"
)

// machine is what the trace printer drives: the native engine or the
// unicorn reference backend.
type machine interface {
	Run(start, until uint32, count int) error
	Executed() int
	Snapshot() cpu.Snapshot
}

func newBackend(name string, sess *session.Session) (machine, func(), error) {
	switch name {
	case "", "native":
		return sess.Engine, func() {}, nil
	case "unicorn":
		return newUnicorn(sess)
	}
	return nil, nil, fmt.Errorf("backend %q: want native or unicorn", name)
}
