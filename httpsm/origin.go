package httpsm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pior/trafficcore/resolver"
)

// HTTPOriginFetcher is the default OriginFetcher, backed by net/http.
// Wire-level framing is explicitly a non-goal of this core (spec §1),
// so reusing net/http's client here is the pragmatic boundary: this
// core owns hook dispatch, cache policy, and transform chaining, not
// HTTP/1.x byte parsing.
type HTTPOriginFetcher struct {
	Client *http.Client
}

// NewHTTPOriginFetcher builds a fetcher with a bounded per-request
// timeout, matching the SM's own active-timeout posture (spec §5).
func NewHTTPOriginFetcher(timeout time.Duration) *HTTPOriginFetcher {
	return &HTTPOriginFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPOriginFetcher) Fetch(ctx context.Context, target resolver.Target, req *Request) (*Response, error) {
	url := fmt.Sprintf("http://%s%s", target.String(), req.URL)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Header.Clone()
	httpReq.Host = req.Host

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

// staticFetcher is a test/stub OriginFetcher returning a fixed response.
type staticFetcher struct {
	resp *Response
	err  error
}

func (f *staticFetcher) Fetch(ctx context.Context, target resolver.Target, req *Request) (*Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	b := *f.resp
	b.Body = append([]byte(nil), f.resp.Body...)
	return &b, nil
}
