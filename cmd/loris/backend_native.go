//go:build !unicorn

package main

import (
	"github.com/zboralski/loris/internal/emulator"
	"github.com/zboralski/loris/internal/session"
)

func newUnicorn(*session.Session) (machine, func(), error) {
	return nil, nil, emulator.ErrUnavailable
}
