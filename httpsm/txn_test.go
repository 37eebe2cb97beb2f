package httpsm

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/trafficcore/cache"
	"github.com/pior/trafficcore/hooks"
	"github.com/pior/trafficcore/internal/testutils"
	"github.com/pior/trafficcore/iochannel"
	"github.com/pior/trafficcore/resolver"
	"github.com/pior/trafficcore/session"
	"github.com/pior/trafficcore/transform"
)

func newClientSession() *session.Session {
	conn := testutils.NewConnectionMock("")
	return session.New(session.KindClient, iochannel.NewNetChannel(conn))
}

func TestTxn_CacheMissThenHit(t *testing.T) {
	reg := hooks.NewRegistry()
	c := cache.New(cache.NewMemStore(2))
	cfg := Config{
		Hooks: reg,
		Cache: c,
		Origin: &staticFetcher{resp: &Response{StatusCode: 200, Header: http.Header{}, Body: []byte("hello")}},
	}

	req := &Request{Method: "GET", URL: "/a", Host: "example"}

	txn1 := New(cfg, newClientSession())
	resp1, err := txn1.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp1.StatusCode)
	assert.Equal(t, cache.VerdictMiss, txn1.CacheVerdict())

	txn2 := New(cfg, newClientSession())
	resp2, err := txn2.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp2.StatusCode)
	assert.Equal(t, cache.VerdictHitFresh, txn2.CacheVerdict())
	assert.Equal(t, "hello", string(resp2.Body))
}

func TestTxn_HookEventOrderingOnMiss(t *testing.T) {
	reg := hooks.NewRegistry()
	var order []string
	record := func(name string) hooks.Continuation {
		return hooks.Continuation{Name: name, Fn: func(ctx context.Context, p hooks.Payload) hooks.Outcome {
			order = append(order, name)
			return hooks.OutcomeContinue
		}}
	}
	reg.AddGlobal(hooks.TxnStart, record("TXN_START"))
	reg.AddGlobal(hooks.ReadRequestHdr, record("READ_REQUEST_HDR"))
	reg.AddGlobal(hooks.OSDNS, record("OS_DNS"))
	reg.AddGlobal(hooks.CacheLookupComplete, record("CACHE_LOOKUP_COMPLETE"))
	reg.AddGlobal(hooks.SendRequestHdr, record("SEND_REQUEST_HDR"))
	reg.AddGlobal(hooks.ReadResponseHdr, record("READ_RESPONSE_HDR"))
	reg.AddGlobal(hooks.SendResponseHdr, record("SEND_RESPONSE_HDR"))
	reg.AddGlobal(hooks.TxnClose, record("TXN_CLOSE"))

	c := cache.New(cache.NewMemStore(1))
	cfg := Config{
		Hooks: reg,
		Cache: c,
		Origin: &staticFetcher{resp: &Response{StatusCode: 200, Header: http.Header{}, Body: []byte("x")}},
	}

	txn := New(cfg, newClientSession())
	_, err := txn.Run(context.Background(), &Request{Method: "GET", URL: "/miss", Host: "example"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"TXN_START", "READ_REQUEST_HDR", "OS_DNS", "CACHE_LOOKUP_COMPLETE",
		"SEND_REQUEST_HDR", "READ_RESPONSE_HDR", "SEND_RESPONSE_HDR", "TXN_CLOSE",
	}, order, "spec scenario S5: ordered multiset of fired hooks on a cache MISS")
}

func TestTxn_HookErrorReturnsConfiguredStatus(t *testing.T) {
	reg := hooks.NewRegistry()
	reg.AddGlobal(hooks.ReadRequestHdr, hooks.Continuation{Fn: func(ctx context.Context, p hooks.Payload) hooks.Outcome {
		return hooks.OutcomeError
	}})

	cfg := Config{Hooks: reg, ErrorStatus: 500}
	txn := New(cfg, newClientSession())
	resp, err := txn.Run(context.Background(), &Request{Method: "GET", URL: "/e", Host: "example"})
	require.Error(t, err)
	assert.Equal(t, 500, resp.StatusCode)
}

func TestTxn_VCTableClearAtClose(t *testing.T) {
	reg := hooks.NewRegistry()
	c := cache.New(cache.NewMemStore(1))
	cfg := Config{Hooks: reg, Cache: c, Origin: &staticFetcher{resp: &Response{StatusCode: 200, Header: http.Header{}, Body: []byte("b")}}}
	txn := New(cfg, newClientSession())
	_, err := txn.Run(context.Background(), &Request{Method: "GET", URL: "/v", Host: "example"})
	require.NoError(t, err)
	assert.True(t, txn.table.IsTableClear())
}

// conditionalFetcher records the request it was handed and, when it carries
// an If-None-Match matching want, answers 304 instead of the full body —
// standing in for an origin that honors revalidation (spec scenario S2).
type conditionalFetcher struct {
	want     string
	notMod   http.Header
	full     *Response
	lastReq  *Request
}

func (f *conditionalFetcher) Fetch(ctx context.Context, target resolver.Target, req *Request) (*Response, error) {
	f.lastReq = req
	if req.Header.Get("If-None-Match") == f.want {
		return &Response{StatusCode: http.StatusNotModified, Header: f.notMod.Clone()}, nil
	}
	b := *f.full
	b.Body = append([]byte(nil), f.full.Body...)
	return &b, nil
}

func TestTxn_RevalidateStaleServesCachedBodyOn304(t *testing.T) {
	reg := hooks.NewRegistry()
	c := cache.New(cache.NewMemStore(1))

	// Seed a stale alternate directly (StoredAt far enough in the past that
	// Fresh() is false) carrying the ETag the origin expects to see echoed
	// back as If-None-Match.
	w, err := c.OpenWrite("/stale", cache.AlternateMeta{
		StatusCode: 200,
		Header:     map[string][]string{"Content-Type": {"text/plain"}},
		StoredAt:   time.Now().Add(-time.Hour),
		MaxAge:     time.Minute,
		ETag:       `"v1"`,
	})
	require.NoError(t, err)
	_, err = w.Write([]byte("cached-body"))
	require.NoError(t, err)
	w.Commit()

	origin := &conditionalFetcher{
		want:   `"v1"`,
		notMod: http.Header{"Etag": {`"v2"`}},
		full:   &Response{StatusCode: 200, Header: http.Header{}, Body: []byte("fresh-body")},
	}
	cfg := Config{Hooks: reg, Cache: c, Origin: origin}

	txn := New(cfg, newClientSession())
	resp, err := txn.Run(context.Background(), &Request{Method: "GET", URL: "/stale", Host: "example"})
	require.NoError(t, err)

	assert.Equal(t, cache.VerdictHitStale, txn.CacheVerdict())
	require.NotNil(t, origin.lastReq)
	assert.Equal(t, `"v1"`, origin.lastReq.Header.Get("If-None-Match"), "outgoing request must carry the stored ETag")

	assert.Equal(t, 200, resp.StatusCode, "a 304 from the origin must be translated back to 200 for the client")
	assert.Equal(t, "cached-body", string(resp.Body), "body must come from the cache, not the (empty) 304 body")
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"), "stored headers survive revalidation")
	assert.Equal(t, `"v2"`, resp.Header.Get("Etag"), "the 304's own headers refresh the stored ones")
}

func TestTxn_ResponseTransformAppliesGzip(t *testing.T) {
	reg := hooks.NewRegistry()
	reg.AddGlobal(hooks.ResponseTransform, hooks.Continuation{
		Name: "gzip-everything",
		Fn: func(ctx context.Context, p hooks.Payload) hooks.Outcome {
			txn := p.(*Txn)
			txn.AddTransform(transform.NewChain(map[string][]string{}, transform.GzipStage()))
			return hooks.OutcomeContinue
		},
	})

	const body = "hello world, this gets compressed"
	cfg := Config{
		Hooks:  reg,
		Origin: &staticFetcher{resp: &Response{StatusCode: 200, Header: http.Header{}, Body: []byte(body)}},
	}

	txn := New(cfg, newClientSession())
	resp, err := txn.Run(context.Background(), &Request{Method: "GET", URL: "/s3", Host: "example"})
	require.NoError(t, err)

	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"), "spec scenario S3: transform-mutated headers reach the client")

	gz, err := gzip.NewReader(bytes.NewReader(resp.Body))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, body, string(decompressed), "spec scenario S3: response body actually flows through the transform chain")
}

// pipeDialer hands out one side of a net.Pipe per DialContext call, letting
// tests exercise session.PoolManager without real sockets.
type pipeDialer struct{}

func (pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	go io.Copy(io.Discard, client)
	return server, nil
}

func TestTxn_AcquiresAndParksServerSession(t *testing.T) {
	reg := hooks.NewRegistry()
	pools := session.NewPoolManager(pipeDialer{}, 4)
	cfg := Config{
		Hooks:       reg,
		Origin:      &staticFetcher{resp: &Response{StatusCode: 200, Header: http.Header{}, Body: []byte("ok")}},
		ServerPools: pools,
	}

	txn := New(cfg, newClientSession())
	_, err := txn.Run(context.Background(), &Request{Method: "GET", URL: "/pooled", Host: "example"})
	require.NoError(t, err)

	pool, err := pools.PoolFor("example:80")
	require.NoError(t, err)
	stats := pool.Stats()
	assert.EqualValues(t, 1, stats.CreatedConns, "the SM must acquire exactly one server session for the round-trip")
	assert.EqualValues(t, 1, stats.IdleConns, "a clean close parks the session for reuse instead of destroying it")
}
