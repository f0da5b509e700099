package proxy

import (
	"context"
	"io"
	"net/url"

	"github.com/GriffinCanCode/webproxy/internal/rendezvous"
)

type injectState int

const (
	stateNotStarted injectState = iota
	stateInjecting
	statePassthrough
)

// htmlStream is the body of an injected document. The first Read emits
// the bootstrap payload. The Read after the payload is drained waits for
// the page to initialize, then every Read forwards one upstream chunk.
type htmlStream struct {
	ctx    context.Context
	body   io.ReadCloser
	target *url.URL
	code   func(target *url.URL, pageID int) []byte
	pages  *PageTable

	state   injectState
	payload []byte
	pageID  int
	sig     *rendezvous.Signal[bool]
}

func newHTMLStream(ctx context.Context, body io.ReadCloser, target *url.URL, code func(*url.URL, int) []byte, pages *PageTable) *htmlStream {
	return &htmlStream{
		ctx:    ctx,
		body:   body,
		target: target,
		code:   code,
		pages:  pages,
	}
}

func (s *htmlStream) Read(p []byte) (int, error) {
	switch s.state {
	case stateNotStarted:
		s.pageID, s.sig = s.pages.Add(s.target.String())
		s.payload = s.code(s.target, s.pageID)
		s.state = stateInjecting
		return s.emit(p), nil

	case stateInjecting:
		if len(s.payload) > 0 {
			return s.emit(p), nil
		}
		s.pages.Wait(s.ctx, s.pageID, s.sig)
		s.state = statePassthrough
		return s.body.Read(p)

	default:
		return s.body.Read(p)
	}
}

func (s *htmlStream) emit(p []byte) int {
	n := copy(p, s.payload)
	s.payload = s.payload[n:]
	return n
}

func (s *htmlStream) Close() error {
	// A reader that leaves mid-wait must not leave the page pending.
	if s.state == stateInjecting {
		s.pages.Cancel(s.pageID)
	}
	return s.body.Close()
}
