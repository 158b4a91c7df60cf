package progress

import "io"

// Reader wraps an io.Reader and reports the bytes read so far through a
// callback, at most once per interval bytes. When the total is known the
// callback also fires on the read that completes it.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read, total int64)

	read       int64
	sinceLast  int64
	interval   int64
	reportedAt int64
}

// NewReader returns a Reader. total may be -1 when the length is unknown.
func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	if interval <= 0 {
		interval = 1
	}

	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
		reportedAt: -1,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n <= 0 || pr.OnProgress == nil {
		return n, err
	}

	pr.read += int64(n)
	pr.sinceLast += int64(n)

	done := pr.Total > 0 && pr.read >= pr.Total
	if pr.sinceLast >= pr.interval || (done && pr.reportedAt != pr.read) {
		pr.OnProgress(pr.read, pr.Total)
		pr.sinceLast = 0
		pr.reportedAt = pr.read
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
