// Package console is the locked byte sink every CPU writes diagnostics
// and guest-forwarded output through: a single UART, shared by every
// physical CPU, serialized by one process-wide spinlock so two CPUs
// logging at once never interleave mid-line. A 16550-style UART driver
// normally serializes its own register writes under a single per-device
// lock; here that generalizes from "one device, one lock" to "the one
// device every CPU in the system shares, one lock".
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bao-go/hvcore/addr"
	"github.com/bao-go/hvcore/mm"
)

// Sink is the process-wide console: a lock plus whatever it's actually
// writing to (an MMIODevice on real hardware, os.Stdout under go test).
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

var (
	initOnce sync.Once
	sink     *Sink
)

// MMIODevice writes one byte at a time to a device-mapped UART transmit
// register, the same single-byte-per-access discipline a 16550 UART's
// transmitter-holding register write uses.
type MMIODevice struct {
	Arena *mm.Arena
	Base  addr.PA
}

func (d MMIODevice) Write(p []byte) (int, error) {
	for _, b := range p {
		d.Arena.Bytes(d.Base, 1)[0] = b
	}
	return len(p), nil
}

// DefaultWriter picks an MMIODevice over base when the platform declares
// one, otherwise os.Stdout -- the host-test configuration has no UART
// physical address to speak of.
func DefaultWriter(arena *mm.Arena, base addr.PA) io.Writer {
	if base == 0 {
		return os.Stdout
	}
	return MMIODevice{Arena: arena, Base: base}
}

// Init builds the process-wide Sink once, over w. Later calls are no-ops,
// matching config.Init's build-once/access-everywhere lifecycle.
func Init(w io.Writer) {
	initOnce.Do(func() {
		sink = &Sink{w: w}
	})
}

// Get returns the shared Sink. Panics if Init has not run -- every caller
// of Get executes after boot.
func Get() *Sink {
	if sink == nil {
		panic("console: Get() called before Init()")
	}
	return sink
}

// ResetForTest clears the singleton so package tests can call Init
// repeatedly. Only intended for _test.go use.
func ResetForTest() {
	initOnce = sync.Once{}
	sink = nil
}

// Write serializes p through the shared writer under the console lock.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Printf formats and writes under the console lock.
func (s *Sink) Printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

// ReportPanic writes a single diagnostic line for v under the console
// lock. Panic = abort semantics: no unwinding, one line to the console,
// then the caller halts -- ReportPanic only covers the line, the halt is
// the caller's to do (an infinite loop on real hardware, a plain return
// from a recovered test).
func (s *Sink) ReportPanic(v interface{}) {
	s.Printf("panic: %v\n", v)
}
