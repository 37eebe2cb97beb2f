// Package httpsm implements the HTTP/1.x transaction state machine
// (spec component C6, "the heart"): the explicit state-enum-plus-
// dispatch-function encoding of the request lifecycle from REQ_PARSE
// through TXN_CLOSE (spec §4.6, §9 "Coroutine-like control flow" —
// Go's goroutine-per-SM model could use native control flow here, but
// an explicit state machine is kept so a single Txn's progress remains
// inspectable and testable state-by-state, matching the spec's
// literal scenario assertions in §8).
package httpsm

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/pior/trafficcore/cache"
	"github.com/pior/trafficcore/hooks"
	"github.com/pior/trafficcore/iobuf"
	"github.com/pior/trafficcore/iochannel"
	"github.com/pior/trafficcore/proxyerr"
	"github.com/pior/trafficcore/resolver"
	"github.com/pior/trafficcore/session"
	"github.com/pior/trafficcore/transform"
	"github.com/pior/trafficcore/vctable"
)

// State is one of the named transaction states (spec §4.6; names
// normative).
type State int

const (
	TxnInit State = iota
	ReqParse
	ReadRequestPreRemap
	Remap
	DNSLookup
	CacheLookup
	OriginFetch
	ServeFromCache
	StreamBody
	SendResponse
	TxnClose
)

func (s State) String() string {
	switch s {
	case TxnInit:
		return "TXN_INIT"
	case ReqParse:
		return "REQ_PARSE"
	case ReadRequestPreRemap:
		return "API_READ_REQ_PRE_REMAP"
	case Remap:
		return "REMAP"
	case DNSLookup:
		return "DNS_LOOKUP"
	case CacheLookup:
		return "CACHE_LOOKUP"
	case OriginFetch:
		return "ORIGIN_FETCH"
	case ServeFromCache:
		return "SERVE_FROM_CACHE"
	case StreamBody:
		return "STREAM_BODY"
	case SendResponse:
		return "SEND_RESPONSE"
	case TxnClose:
		return "TXN_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Request is the SM's view of the inbound request. Wire-level parsing
// of the HTTP/1.x byte stream is a non-goal of this core (spec §1); the
// session layer hands the SM an already-parsed Request.
type Request struct {
	Method string
	URL    string
	Host   string
	Header http.Header

	SkipRemap   bool
	ParentHost  string // set_parent_proxy override, consulted before DNS
	ParentPort  int
	HasParentOverride bool
}

// Response is the SM's view of the outbound response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OriginFetcher performs the actual origin round-trip. Wire semantics
// are out of scope (spec §1 Non-goals); production wiring supplies an
// implementation backed by net/http or a raw socket writer, tests supply
// a stub.
type OriginFetcher interface {
	Fetch(ctx context.Context, target resolver.Target, req *Request) (*Response, error)
}

// Remapper rewrites the request URL/host before DNS, honoring
// SkipRemap (spec §4.6 REMAP: "URL rewrite or 'skip remap' flag
// honoured").
type Remapper func(req *Request) *Request

// Config bundles the collaborators and policy knobs a Txn needs.
type Config struct {
	Hooks        *hooks.Registry
	Cache        *cache.Cache
	Resolver     *resolver.Resolver
	Origin       OriginFetcher
	Remap        Remapper
	ErrorStatus  int // default status for HookError, spec §7 (default 500)
	CacheableStatus func(resp *Response) bool

	// ServerPools, when set, gives the SM a pooled server session per
	// origin address (spec §4.5 "Server-session binding") bound to the
	// client session for the life of the transaction and parked/
	// destroyed at TXN_CLOSE. The actual origin round-trip still goes
	// through Origin — ServerPools tracks the binding/reuse bookkeeping
	// the spec requires independent of which OriginFetcher performs the
	// bytes-on-the-wire work.
	ServerPools *session.PoolManager
	// ServerKeepAlive is recorded on a server session when it is parked
	// (spec §4.5). The pool does not time parked sessions out; the value
	// bounds inactivity only if that session later half-closes. Zero means
	// no timeout.
	ServerKeepAlive time.Duration
}

// singleFlight guards concurrent background fetches for the same
// fingerprint (spec §4.6 "Range handling + background fetch": "the SM
// enforces a per-fingerprint single-flight guard so concurrent clients
// don't stampede").
type singleFlight struct {
	mu      sync.Mutex
	inFlight map[string]bool
}

func newSingleFlight() *singleFlight { return &singleFlight{inFlight: make(map[string]bool)} }

func (sf *singleFlight) tryStart(fingerprint string) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.inFlight[fingerprint] {
		return false
	}
	sf.inFlight[fingerprint] = true
	return true
}

func (sf *singleFlight) finish(fingerprint string) {
	sf.mu.Lock()
	delete(sf.inFlight, fingerprint)
	sf.mu.Unlock()
}

var globalSingleFlight = newSingleFlight()

// Txn is one request-servicing transaction: a VC-table, a scoped hook
// list layered on the process Registry, and the request/response it is
// carrying through the state sequence.
type Txn struct {
	ID      int64
	cfg     Config
	table   *vctable.Table
	hooks   *hooks.Scoped
	clientSess *session.Session

	state State
	req   *Request
	resp  *Response

	cacheVerdict   cache.Verdict
	cacheKey       string
	cacheCandidate *cache.Alternate // HIT_STALE's chosen alternate, kept for revalidation
	transform      *transform.Chain

	serverSess    *session.Session
	serverPool    *session.Pool
	serverPoolRes *puddle.Resource[*session.Session]

	err error
}

// New creates a Txn bound to clientSess, with transaction_id taken from
// the session's counter (spec §4.5, §8 invariant 7).
func New(cfg Config, clientSess *session.Session) *Txn {
	return &Txn{
		ID:         clientSess.Arrive(),
		cfg:        cfg,
		table:      vctable.New(),
		hooks:      hooks.NewScoped(cfg.Hooks),
		clientSess: clientSess,
		state:      TxnInit,
	}
}

// AddHook registers a transaction-scoped continuation.
func (t *Txn) AddHook(p hooks.Point, c hooks.Continuation) { t.hooks.Add(p, c) }

// State returns the current state, for test assertions against the
// literal scenarios in spec §8.
func (t *Txn) State() State { return t.state }

func (t *Txn) fire(ctx context.Context, p hooks.Point, payload hooks.Payload) error {
	outcome, _ := t.hooks.Fire(ctx, p, payload)
	if outcome == hooks.OutcomeError {
		status := t.cfg.ErrorStatus
		if status == 0 {
			status = 500
		}
		return proxyerr.New(proxyerr.KindHookError, fmt.Sprintf("hook:%s", p), fmt.Errorf("continuation returned error outcome"))
	}
	return nil
}

// Run drives the Txn through every state to TXN_CLOSE, returning the
// final response (or an error already reflected into resp's status).
func (t *Txn) Run(ctx context.Context, req *Request) (*Response, error) {
	t.req = req
	t.state = TxnInit

	if err := t.fire(ctx, hooks.TxnStart, t); err != nil {
		return t.closeWithError(ctx, err)
	}

	t.state = ReqParse
	if err := t.fire(ctx, hooks.ReadRequestHdr, t); err != nil {
		return t.closeWithError(ctx, err)
	}

	t.state = ReadRequestPreRemap
	if err := t.fire(ctx, hooks.ReadRequestPreRemap, t); err != nil {
		return t.closeWithError(ctx, err)
	}

	t.state = Remap
	if t.cfg.Remap != nil && !req.SkipRemap {
		t.req = t.cfg.Remap(req)
	}

	t.state = DNSLookup
	target, err := t.resolveTarget(ctx)
	if err != nil {
		return t.closeWithError(ctx, err)
	}
	if derr := t.fire(ctx, hooks.OSDNS, t); derr != nil {
		return t.closeWithError(ctx, derr)
	}

	t.state = CacheLookup
	t.cacheKey = t.req.URL
	if t.cfg.Cache != nil {
		res := t.cfg.Cache.Lookup(t.cacheKey, time.Now())
		t.cacheVerdict = res.Verdict
		var candidate *cache.Alternate
		if len(res.Candidates) == 1 {
			candidate = res.Candidates[0]
		} else if len(res.Candidates) > 1 {
			candidate = t.selectAlternate(ctx, res.Candidates)
		}
		t.cacheCandidate = candidate
		if cerr := t.fire(ctx, hooks.CacheLookupComplete, t); cerr != nil {
			return t.closeWithError(ctx, cerr)
		}
		if t.cacheVerdict == cache.VerdictHitFresh {
			return t.serveFromCache(ctx, candidate)
		}
	} else {
		t.cacheVerdict = cache.VerdictSkipped
	}

	t.state = OriginFetch
	return t.originFetch(ctx, target)
}

func (t *Txn) resolveTarget(ctx context.Context) (resolver.Target, error) {
	if t.cfg.Resolver == nil {
		return resolver.Target{Host: t.req.Host, Port: 80}, nil
	}
	policy := resolver.PolicyDirect
	host, port := t.req.Host, 80
	if t.req.HasParentOverride {
		policy = resolver.PolicyParent
		host, port = t.req.ParentHost, t.req.ParentPort
	}
	return t.cfg.Resolver.Resolve(ctx, policy, host, port, t.cacheKey)
}

func (t *Txn) selectAlternate(ctx context.Context, candidates []*cache.Alternate) *cache.Alternate {
	// SELECT_ALT fires once per candidate (spec §4.6); the hook may
	// adjust Quality via the payload before the final pick.
	for _, c := range candidates {
		t.hooks.Fire(ctx, hooks.SelectAlt, c)
	}
	return cache.SelectAlternate(candidates)
}

func (t *Txn) serveFromCache(ctx context.Context, alt *cache.Alternate) (*Response, error) {
	t.state = ServeFromCache
	entry := t.table.NewEntry(t.cfg.Cache.OpenRead(t.cacheKey, alt), vctable.RoleCacheRead)
	defer t.table.CleanupEntry(entry)

	resp := &Response{StatusCode: alt.Meta.StatusCode, Header: http.Header(alt.Meta.Header), Body: alt.Body}
	t.resp = resp
	return t.streamAndRespond(ctx)
}

func (t *Txn) originFetch(ctx context.Context, target resolver.Target) (*Response, error) {
	// REVALIDATE_CACHE_OK setup: a HIT_STALE candidate with a stored ETag
	// makes the outgoing request conditional (spec §4.6).
	if t.cacheVerdict == cache.VerdictHitStale && t.cacheCandidate != nil && t.cacheCandidate.Meta.ETag != "" {
		if t.req.Header == nil {
			t.req.Header = http.Header{}
		}
		t.req.Header.Set("If-None-Match", t.cacheCandidate.Meta.ETag)
	}

	if err := t.fire(ctx, hooks.SendRequestHdr, t); err != nil {
		return t.closeWithError(ctx, err)
	}

	t.acquireServerSession(ctx, target)

	resp, err := t.cfg.Origin.Fetch(ctx, target, t.req)
	if err != nil {
		// close() below destroys (rather than parks) the server session
		// since runErr != nil — its connection state is unknown.
		return t.closeWithError(ctx, proxyerr.New(proxyerr.KindUpstreamUnreachable, "origin.fetch", err))
	}
	t.resp = resp

	if err := t.fire(ctx, hooks.ReadResponseHdr, t); err != nil {
		return t.closeWithError(ctx, err)
	}

	if resp.StatusCode == 304 && t.cacheVerdict == cache.VerdictHitStale && t.cacheCandidate != nil {
		// REVALIDATE_CACHE_OK: serve the cached body, refreshing stored
		// headers with whatever validators/cache-control the 304 carried.
		refreshedHeader := cloneHeaderMap(t.cacheCandidate.Meta.Header)
		for k, v := range resp.Header {
			refreshedHeader[k] = v
		}
		t.resp = &Response{
			StatusCode: 200,
			Header:     http.Header(refreshedHeader),
			Body:       t.cacheCandidate.Body,
		}
		return t.streamAndRespond(ctx)
	}

	cacheable := true
	if t.cfg.CacheableStatus != nil {
		cacheable = t.cfg.CacheableStatus(resp)
	}
	if cacheable && t.cfg.Cache != nil {
		w, werr := t.cfg.Cache.OpenWrite(t.cacheKey, cache.AlternateMeta{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			StoredAt:   time.Now(),
			MaxAge:     time.Minute,
		})
		if werr == nil {
			w.Write(resp.Body)
			w.Commit()
		} else {
			log.Printf("httpsm: cache write for %q skipped: %v", t.cacheKey, werr)
		}
		// Cache write errors are logged and swallowed (spec §4.6
		// Failure semantics) — never fail the user's response.
	}

	return t.streamAndRespond(ctx)
}

func (t *Txn) streamAndRespond(ctx context.Context) (*Response, error) {
	t.state = StreamBody
	// RESPONSE_TRANSFORM: a registered continuation may call AddTransform
	// on the payload (this Txn) to interpose a chain (spec §4.4, §4.8).
	if err := t.fire(ctx, hooks.ResponseTransform, t); err != nil {
		return t.closeWithError(ctx, err)
	}
	if t.transform != nil {
		if err := t.runTransform(t.transform); err != nil {
			return t.closeWithError(ctx, proxyerr.New(proxyerr.KindInternalError, "transform", err))
		}
	}

	t.state = SendResponse
	if err := t.fire(ctx, hooks.SendResponseHdr, t); err != nil {
		return t.closeWithError(ctx, err)
	}

	return t.close(ctx, nil)
}

// AddTransform installs a response transform chain (spec §4.8), normally
// called from a RESPONSE_TRANSFORM continuation.
func (t *Txn) AddTransform(chain *transform.Chain) {
	t.transform = chain
	t.table.NewEntry(chain, vctable.RoleTransform)
}

// runTransform drives t.resp.Body through chain synchronously (spec
// §4.8 steps 1-3: write the untransformed body in, read the transformed
// output back out) and replaces t.resp's body/header with the result.
func (t *Txn) runTransform(chain *transform.Chain) error {
	src := iobuf.NewBuffer()
	srcReader := src.NewReader()
	src.Write(t.resp.Body)

	done := make(chan error, 1)
	handler := iochannel.HandlerFunc(func(ev iochannel.Event, v *iochannel.VIO) {
		switch ev {
		case iochannel.EventWriteComplete:
			done <- nil
		case iochannel.EventError:
			done <- fmt.Errorf("transform stage failed")
		}
	})
	chain.DoIOWrite(handler, int64(len(t.resp.Body)), srcReader)
	if err := <-done; err != nil {
		return err
	}

	out := iobuf.NewBuffer()
	outReader := out.NewReader()
	chain.DoIORead(nil, iochannel.NBytesUnbounded, out)
	body := make([]byte, outReader.Avail())
	outReader.Read(body)

	t.resp.Body = body
	t.resp.Header = http.Header(chain.Header())
	return nil
}

func (t *Txn) closeWithError(ctx context.Context, err error) (*Response, error) {
	status := 500
	var pe *proxyerr.Error
	if e, ok := err.(*proxyerr.Error); ok {
		pe = e
		if s := e.Kind.Status(); s != 0 {
			status = s
		}
		if e.Kind == proxyerr.KindHookError && t.cfg.ErrorStatus != 0 {
			status = t.cfg.ErrorStatus
		}
	}
	t.resp = &Response{StatusCode: status, Header: http.Header{}}
	_, _ = t.close(ctx, err)
	if pe != nil && proxyerr.ShouldCloseSession(pe) {
		t.clientSess.Release(false)
	} else {
		t.clientSess.Release(true)
	}
	return t.resp, err
}

// acquireServerSession checks out a pooled server session for target and
// binds it to the client session for the duration of the origin
// round-trip (spec §4.5 "Server-session binding"). A failure to acquire
// is not fatal: the SM falls back to Origin performing its own
// connection, matching the Non-goal boundary on wire semantics.
func (t *Txn) acquireServerSession(ctx context.Context, target resolver.Target) {
	if t.cfg.ServerPools == nil {
		return
	}
	pool, err := t.cfg.ServerPools.PoolFor(target.String())
	if err != nil {
		return
	}
	res, err := pool.Acquire(ctx)
	if err != nil {
		return
	}
	t.serverPool = pool
	t.serverPoolRes = res
	t.serverSess = res.Value()
	t.clientSess.BindServerSession(t.serverSess)
}

func (t *Txn) releaseServerSession(keepAlive bool) {
	if t.serverPoolRes == nil {
		return
	}
	t.clientSess.UnbindServerSession()
	if keepAlive {
		t.serverPool.Park(t.serverPoolRes, t.cfg.ServerKeepAlive)
	} else {
		t.serverPool.Destroy(t.serverPoolRes)
	}
	t.serverPoolRes = nil
	t.serverPool = nil
	t.serverSess = nil
}

func cloneHeaderMap(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (t *Txn) close(ctx context.Context, runErr error) (*Response, error) {
	t.state = TxnClose
	t.fire(ctx, hooks.TxnClose, t)
	t.table.CleanupAll()
	if !t.table.IsTableClear() {
		panic("httpsm: vc-table not clear at txn close")
	}
	t.releaseServerSession(runErr == nil)
	if runErr == nil {
		t.clientSess.Release(true)
	}
	t.err = runErr
	return t.resp, runErr
}

// ScheduleBackgroundFetch models a plugin-originated second request with
// Range stripped and the same cache key, run as a separate synthetic
// transaction (spec §4.6 "Range handling + background fetch"). It
// enforces the per-fingerprint single-flight guard so concurrent
// clients requesting the same range don't stampede the origin; fn is
// invoked at most once per fingerprint until it completes.
func (t *Txn) ScheduleBackgroundFetch(fingerprint string, fn func()) (started bool) {
	if !globalSingleFlight.tryStart(fingerprint) {
		return false
	}
	go func() {
		defer globalSingleFlight.finish(fingerprint)
		fn()
	}()
	return true
}

// Request returns the (possibly remapped) request for accessor-style
// hook payload use.
func (t *Txn) Request() *Request { return t.req }

// Response returns the in-progress/final response.
func (t *Txn) Response() *Response { return t.resp }

// CacheVerdict reports the cache lookup outcome (spec §8 scenario S5).
func (t *Txn) CacheVerdict() cache.Verdict { return t.cacheVerdict }
