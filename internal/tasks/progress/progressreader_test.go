package progress

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderReportsAtIntervalAndEOF(t *testing.T) {
	data := strings.Repeat("x", 10)

	var reports []int64

	r := NewReader(context.Background(), iotest.OneByteReader(strings.NewReader(data)), int64(len(data)), 4, func(read, total int64) {
		assert.EqualValues(t, 10, total)
		reports = append(reports, read)
	})

	out, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, data, string(out))
	assert.Equal(t, []int64{4, 8, 10}, reports)
	assert.EqualValues(t, 10, r.BytesRead())
}

func TestReaderStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	r := NewReader(ctx, bytes.NewReader(make([]byte, 1<<20)), 1<<20, 0, func(read, _ int64) {
		if read >= 1024 {
			cancel()
		}
	})

	buf := make([]byte, 1024)

	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	_, err = r.Read(buf)
	assert.ErrorIs(t, err, context.Canceled)
}
