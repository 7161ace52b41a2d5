package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. The memory subsystem uses it to tag
// diagnostic output with the name of the module that produced it.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// NewPrefixWriter returns a PrefixWriter that tags each line written to sink
// with "[module] ".
func NewPrefixWriter(sink io.Writer, module string) *PrefixWriter {
	return &PrefixWriter{Sink: sink, Prefix: []byte("[" + module + "] ")}
}

// Write writes len(p) bytes from p to the underlying writer. The injected
// prefixes are not included in the returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineEnd := len(p)
		for i, b := range p {
			if b == '\n' {
				lineEnd = i + 1
				w.midLine = false
				break
			}
		}

		n, err := w.Sink.Write(p[:lineEnd])
		written += n
		if err != nil {
			return written, err
		}
		p = p[lineEnd:]
	}

	return written, nil
}
