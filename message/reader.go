package message

import (
	"errors"
	"io"
)

const readChunk = 32 * 1024

// Reader decodes a stream of messages arriving in arbitrary fragments.
type Reader struct {
	r   io.Reader
	buf []byte
	tmp []byte
	err error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, tmp: make([]byte, readChunk)}
}

// Read returns the next message, blocking until a whole one is buffered.
// A nil message with a nil error is a keep-alive.
func (r *Reader) Read() (*Message, error) {
	for {
		msg, n, err := Decode(r.buf)
		if err == nil {
			r.buf = append(r.buf[:0], r.buf[n:]...)
			return msg, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return nil, err
		}
		if r.err != nil {
			if errors.Is(r.err, io.EOF) && len(r.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, r.err
		}

		n, err = r.r.Read(r.tmp)
		r.buf = append(r.buf, r.tmp[:n]...)
		r.err = err
	}
}
