package progress

import (
	"context"
	"io"
)

// Reader wraps an io.Reader, reports progress via a callback and stops with the
// context's error at the next chunk once ctx is done.
type Reader struct {
	ctx            context.Context
	reader         io.Reader
	total          int64
	onProgress     func(read int64, total int64)
	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewReader returns a Reader that calls cb every interval bytes and once more at EOF.
// An interval of zero reports after every chunk. A total of zero or less means the
// size is unknown.
func NewReader(ctx context.Context, r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		ctx:            ctx,
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval {
			pr.report()
		}
	}

	if err == io.EOF && pr.lastReport > 0 {
		pr.report()
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}

func (pr *Reader) report() {
	pr.lastReport = 0

	if pr.onProgress != nil {
		pr.onProgress(pr.totalRead, pr.total)
	}
}
