//go:build unix

package main

import (
	"os"
	"syscall"
)

// debugSignals log the next detection cycle at debug level.
var debugSignals = []os.Signal{syscall.SIGUSR1}
