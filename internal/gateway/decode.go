package gateway

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Decode unwraps body according to a Content-Encoding value. Codings
// are removed in reverse order of application. Closing the result
// closes body.
func Decode(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	codings := strings.Split(contentEncoding, ",")

	var r io.Reader = body
	closers := []io.Closer{body}
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))

		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			r = zr
			closers = append(closers, zr)
		case "deflate":
			dr, err := newDeflateReader(r)
			if err != nil {
				return nil, fmt.Errorf("deflate: %w", err)
			}
			r = dr
			closers = append(closers, dr)
		case "br":
			r = brotli.NewReader(r)
		case "zstd":
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("zstd: %w", err)
			}
			r = zr
			closers = append(closers, zr.IOReadCloser())
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", coding)
		}
	}

	return &decodedBody{Reader: r, closers: closers}, nil
}

// newDeflateReader accepts both zlib-wrapped and raw deflate, since
// servers send either under "deflate".
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err == nil && hdr[0]&0x0F == 8 && (uint16(hdr[0])<<8|uint16(hdr[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
