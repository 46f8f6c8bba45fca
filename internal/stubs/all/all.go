// Package all imports every stub package so they register via init().
//
//	import _ "github.com/zboralski/loris/internal/stubs/all"
package all

import (
	_ "github.com/zboralski/loris/internal/stubs/freertos"
	_ "github.com/zboralski/loris/internal/stubs/hal"
)
