package transfers

import "io"

// progressReader reports every chunk it reads to tick. A tick error ends
// the stream, which is how cancellation reaches an in-flight copy.
type progressReader struct {
	r    io.Reader
	tick func(n int) error
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		if terr := p.tick(n); terr != nil {
			return n, terr
		}
	}
	return n, err
}

// writerOnly hides io.ReaderFrom so io.CopyBuffer uses the caller's buffer.
type writerOnly struct{ io.Writer }
