package node

import (
	"bytes"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// lineWriter forwards complete lines written by a child process to a logger.
type lineWriter struct {
	mu     sync.Mutex
	logger *zap.Logger
	stream string
	buf    bytes.Buffer
}

func newLineWriter(logger *zap.Logger, stream string) *lineWriter {
	return &lineWriter{logger: logger, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line; keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.emit(line)
	}
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	w.logger.Debug(line, zap.String("stream", w.stream))
}
