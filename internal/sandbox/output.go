package sandbox

import "io"

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded and recorded in truncated. Write always reports
// the full length so stream demultiplexers never see a short write.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func newLimitedWriter(w io.Writer, limit int) *limitedWriter {
	return &limitedWriter{w: w, remaining: limit}
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		if total > 0 {
			lw.truncated = true
		}
		return total, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return total, nil
}
