package main

import (
	"fmt"
	"runtime"
)

// platformBanner replaces the original library's hardware_rev startup
// banner (original_source/library/utils.py), which printed a
// microcontroller board identifier that has no equivalent on a general
// purpose OS; this reports the Go runtime/platform instead.
func platformBanner() string {
	return fmt.Sprintf("meshnet on %s/%s, go runtime %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}
