package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Range is a [Start, End) byte window. End == -1 means "to the end".
type Range struct {
	Start int64
	End   int64
}

// Full is the whole-payload range
func Full() Range {
	return Range{Start: 0, End: -1}
}

// Transfer is an open window over a blob. Body yields exactly Length bytes.
type Transfer struct {
	Body   io.ReadCloser
	Start  int64
	End    int64
	Length int64
	Total  int64
}

// Stream opens r over b. End is clamped to the blob size; a Start past the
// end of a non-empty blob, or Start > End, is ErrInvalidRange.
func Stream(ctx context.Context, b Blob, r Range) (*Transfer, error) {
	total := b.Size()

	end := r.End
	if end < 0 || end > total {
		end = total
	}
	if r.Start < 0 || r.Start > end || (total > 0 && r.Start >= total) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidRange, r.Start, r.End, total)
	}

	body, err := b.NewRangeReader(ctx, r.Start, end-r.Start)
	if err != nil {
		return nil, fmt.Errorf("open range: %w", err)
	}

	return &Transfer{
		Body:   body,
		Start:  r.Start,
		End:    end,
		Length: end - r.Start,
		Total:  total,
	}, nil
}

// ReadSeeker presents a blob as an io.ReadSeeker for http.ServeContent.
// A single ranged read is opened from the current offset on the first Read
// after each Seek.
type ReadSeeker struct {
	ctx  context.Context
	b    Blob
	off  int64
	body io.ReadCloser
}

// NewReadSeeker wraps b
func NewReadSeeker(ctx context.Context, b Blob) *ReadSeeker {
	return &ReadSeeker{ctx: ctx, b: b}
}

// Read implements io.Reader
func (s *ReadSeeker) Read(p []byte) (int, error) {
	if s.off >= s.b.Size() {
		return 0, io.EOF
	}
	if s.body == nil {
		t, err := Stream(s.ctx, s.b, Range{Start: s.off, End: -1})
		if err != nil {
			return 0, err
		}
		s.body = t.Body
	}
	n, err := s.body.Read(p)
	s.off += int64(n)
	return n, err
}

// Seek implements io.Seeker
func (s *ReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.off + offset
	case io.SeekEnd:
		abs = s.b.Size() + offset
	default:
		return 0, errors.New("blob: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("blob: negative position")
	}
	if abs != s.off && s.body != nil {
		s.body.Close()
		s.body = nil
	}
	s.off = abs
	return abs, nil
}

// Close releases any open range reader
func (s *ReadSeeker) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}
