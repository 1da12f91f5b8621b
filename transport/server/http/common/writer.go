package common

import (
	"fmt"
	"net/http"
)

// FlushWriter flushes the response after every write. Event stream payloads
// must reach the client as they are produced, not when a buffer fills.
type FlushWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

// NewFlushWriter wraps rw. Writes fail when rw cannot flush.
func NewFlushWriter(rw http.ResponseWriter) *FlushWriter {
	flusher, _ := rw.(http.Flusher)
	return &FlushWriter{writer: rw, flusher: flusher}
}

func (w *FlushWriter) Write(p []byte) (int, error) {
	if w.flusher == nil {
		return 0, fmt.Errorf("streaming unsupported: %T cannot flush", w.writer)
	}
	n, err := w.writer.Write(p)
	if err != nil {
		return n, err
	}
	w.flusher.Flush()
	return n, nil
}
