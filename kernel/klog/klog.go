// Package klog is the kernel's ambient logging sink: a thin wrapper over
// the standard library's log.Logger, the same bare-fmt-style logging the
// teacher uses at every init site (mem.Phys_init, vm.Dmap_init print
// straight to stdout with fmt.Printf). The core gives it one seam — the
// io.Writer — so tests can capture kernel chatter instead of writing to a
// boot console.
package klog

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	mu  sync.Mutex
	cur = log.New(os.Stdout, "", 0)
)

/// SetOutput redirects all future log output to w. Called once at boot
/// with the framebuffer/serial console; tests call it with a bytes.Buffer.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	cur = log.New(w, "", 0)
}

/// Printf writes a single formatted, newline-terminated log line.
func Printf(format string, args ...interface{}) {
	mu.Lock()
	l := cur
	mu.Unlock()
	l.Printf(format, args...)
}
