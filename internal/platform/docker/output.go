package docker

import (
	"bytes"
	"io"
	"strings"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dontdude/correctomatic/internal/domain"
)

// boundedBuffer refuses writes past its limit instead of growing unbounded.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 && int64(b.buf.Len())+int64(len(p)) > b.limit {
		return 0, &domain.ResponseTooLargeError{Limit: b.limit}
	}
	return b.buf.Write(p)
}

// Demux splits an engine log stream (frames tagged with channel and length)
// into stdout and stderr. Exceeding limit on either channel aborts the read
// with a ResponseTooLargeError.
func Demux(r io.Reader, limit int64) (stdout, stderr []byte, err error) {
	out := &boundedBuffer{limit: limit}
	errOut := &boundedBuffer{limit: limit}

	if _, err := stdcopy.StdCopy(out, errOut, r); err != nil {
		return nil, nil, err
	}
	return out.buf.Bytes(), errOut.buf.Bytes(), nil
}

// CaptureOutput returns stdout followed by stderr, each right-trimmed.
func CaptureOutput(r io.Reader, limit int64) (string, error) {
	stdout, stderr, err := Demux(r, limit)
	if err != nil {
		return "", err
	}
	return rstrip(string(stdout)) + rstrip(string(stderr)), nil
}

func rstrip(s string) string {
	return strings.TrimRight(s, " \t\r\n\v\f")
}
