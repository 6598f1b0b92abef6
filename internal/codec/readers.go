package codec

// readers.go cleans raw input before a format parser sees it.
//
//   - the UTF-8 byte order mark that spreadsheet tools prepend is dropped
//   - invalid UTF-8 bytes become '?'
//   - input beyond the configured size limit fails with ErrInputTooLarge
//
// All three work on the stream, so a file is never buffered twice.

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ErrInputTooLarge is returned once more than the allowed bytes were read.
var ErrInputTooLarge = errors.New("input exceeds size limit")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// skipBOM drops a leading UTF-8 byte order mark.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil &&
		b[0] == utf8BOM[0] && b[1] == utf8BOM[1] && b[2] == utf8BOM[2] {
		_, _ = br.Discard(len(utf8BOM))
	}
	return br
}

// sanitizer replaces invalid UTF-8 bytes with '?' on the fly. A multi-byte
// sequence split across two reads is carried over to the next call.
type sanitizer struct {
	r       io.Reader
	pending []byte
}

func newSanitizer(r io.Reader) *sanitizer {
	return &sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.r.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}
	if ascii(p[:n]) {
		return n, err
	}
	return s.clean(p[:n], err == io.EOF), err
}

func ascii(data []byte) bool {
	for _, b := range data {
		if b >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// clean rewrites data in place and returns the number of bytes to hand out.
// Replacement is a single byte so the buffer never grows.
func (s *sanitizer) clean(data []byte, atEOF bool) int {
	write := 0
	for read := 0; read < len(data); {
		if !atEOF && !utf8.FullRune(data[read:]) {
			s.pending = append(s.pending, data[read:]...)
			return write
		}
		r, size := utf8.DecodeRune(data[read:])
		if r == utf8.RuneError && size == 1 {
			data[write] = '?'
			write++
			read++
			continue
		}
		copy(data[write:], data[read:read+size])
		write += size
		read += size
	}
	return write
}

// limitReader fails with ErrInputTooLarge instead of silently truncating.
type limitReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		return n, fmt.Errorf("%w (%d bytes)", ErrInputTooLarge, l.limit)
	}
	return n, err
}

// limit caps r at n bytes. Zero or less disables the check.
func limit(r io.Reader, n int64) io.Reader {
	if n <= 0 {
		return r
	}
	return &limitReader{r: r, limit: n}
}

// clean prepares text input: size limit, BOM removal and UTF-8 sanitation.
// Binary formats only get the size limit.
func clean(r io.Reader, n int64) io.Reader {
	return newSanitizer(skipBOM(limit(r, n)))
}
