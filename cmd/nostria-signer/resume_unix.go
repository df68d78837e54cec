//go:build !windows

package main

import (
	"os"
	"syscall"
)

// SIGCONT arrives after the process was stopped, e.g. across a suspend.
var resumeSignals = []os.Signal{syscall.SIGCONT}
