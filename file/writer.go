package file

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var ErrWrite = errors.New("file: write failed")

// Writer stores verified pieces at their offsets in a single output file.
// It is safe for concurrent use.
type Writer struct {
	mu          sync.Mutex
	f           *os.File
	length      int64
	pieceLength int64
}

// Create opens path for writing without discarding existing content, so a
// partially downloaded file can be verified and resumed, and sizes it to
// length.
func Create(path string, length, pieceLength int64) (*Writer, error) {
	if pieceLength <= 0 || length < 0 {
		return nil, fmt.Errorf("%w: piece length %d, length %d", ErrWrite, pieceLength, length)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return &Writer{f: f, length: length, pieceLength: pieceLength}, nil
}

func (w *Writer) bounds(index int) (int64, int64) {
	begin := int64(index) * w.pieceLength
	end := begin + w.pieceLength
	if end > w.length {
		end = w.length
	}
	return begin, end
}

// WritePiece writes a verified piece at index*pieceLength. Data beyond the
// end of the file is dropped.
func (w *Writer) WritePiece(index int, data []byte) error {
	begin, end := w.bounds(index)
	if index < 0 || begin >= w.length {
		return fmt.Errorf("%w: piece %d is outside the file", ErrWrite, index)
	}
	if int64(len(data)) > end-begin {
		data = data[:end-begin]
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("%w: piece %d: file closed", ErrWrite, index)
	}
	if _, err := w.f.WriteAt(data, begin); err != nil {
		return fmt.Errorf("%w: piece %d: %v", ErrWrite, index, err)
	}
	return nil
}

// Verify hashes the pieces already on disk and returns the indices whose
// content matches.
func (w *Writer) Verify(hashes [][20]byte) ([]int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var verified []int
	buf := make([]byte, w.pieceLength)
	for index, hash := range hashes {
		begin, end := w.bounds(index)
		if begin >= w.length {
			break
		}
		piece := buf[:end-begin]
		if _, err := w.f.ReadAt(piece, begin); err != nil && !errors.Is(err, io.EOF) {
			return verified, err
		}
		if sha1.Sum(piece) == hash {
			verified = append(verified, index)
		}
	}
	return verified, nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	return err
}
