// Package kfmt provides the console output and panic facilities used by the
// memory subsystem. Output written before a sink is attached is kept in a
// ring buffer and replayed once SetOutputSink is called.
package kfmt

import (
	"fmt"
	"io"

	"matrixos/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	sinkLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently attached output sink or nil if Printf
// output is still being buffered.
func GetOutputSink() io.Writer {
	sinkLock.Acquire()
	defer sinkLock.Release()
	return outputSink
}

// Printf formats according to a format specifier and writes to the attached
// output sink. The supported verbs are the ones understood by the fmt package;
// diagnostic dumps use %x with an explicit zero-padded width (e.g. %08x) for
// addresses and register values.
func Printf(format string, args ...interface{}) {
	sinkLock.Acquire()
	defer sinkLock.Release()

	var w io.Writer = &earlyPrintBuffer
	if outputSink != nil {
		w = outputSink
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer is treated as a request to write to
// the default sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		Printf(format, args...)
		return
	}
	_, _ = fmt.Fprintf(w, format, args...)
}
