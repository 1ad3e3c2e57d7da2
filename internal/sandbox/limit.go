package sandbox

import (
	"errors"
	"io"
)

var errOutputLimit = errors.New("sandbox output limit exceeded")

// limitedWriter keeps at most max bytes and calls onExceed once when more
// arrive. Writes always report the full length so the child never sees a
// short write.
type limitedWriter struct {
	w        io.Writer
	max      int64
	onExceed func()

	written   int64
	discarded int64
	exceeded  bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		if remaining > 0 {
			written, err := lw.w.Write(p[:remaining])
			lw.written += int64(written)
			if err != nil {
				return n, err
			}
		}
		lw.discarded += int64(n) - max(remaining, 0)
		if !lw.exceeded {
			lw.exceeded = true
			if lw.onExceed != nil {
				lw.onExceed()
			}
		}
		return n, nil
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
