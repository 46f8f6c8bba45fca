//go:build !unicorn

package emulator

import "errors"

// Available reports whether the unicorn backend was compiled in.
const Available = false

// ErrUnavailable is returned when the binary was built without -tags unicorn.
var ErrUnavailable = errors.New("emulator: built without unicorn support (rebuild with -tags unicorn)")
