// Command proxycored wires the session, httpsm, cache, and resolver
// packages together over real TCP and a JSON-RPC admin socket,
// mirroring the teacher's cmd/tester flag-configured main.go layout.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pior/trafficcore/cache"
	"github.com/pior/trafficcore/hooks"
	"github.com/pior/trafficcore/httpsm"
	"github.com/pior/trafficcore/iochannel"
	"github.com/pior/trafficcore/metrics"
	"github.com/pior/trafficcore/resolver"
	"github.com/pior/trafficcore/rpc"
	"github.com/pior/trafficcore/session"
)

// Config holds the process's CLI-configurable knobs.
type Config struct {
	listenAddr        string
	adminAddr         string
	metricsAddr       string
	shardCount        int
	originTimeout     time.Duration
	serverPoolSize    int
	serverKeepAlive   time.Duration
}

func parseConfig() Config {
	var c Config
	flag.StringVar(&c.listenAddr, "listen", ":8080", "client-facing listen address")
	flag.StringVar(&c.adminAddr, "admin", "127.0.0.1:8081", "JSON-RPC admin listen address")
	flag.StringVar(&c.metricsAddr, "metrics", "127.0.0.1:8082", "Prometheus /metrics listen address")
	flag.IntVar(&c.shardCount, "cache-shards", 16, "in-process cache shard count")
	flag.DurationVar(&c.originTimeout, "origin-timeout", 10*time.Second, "per-request origin fetch timeout")
	flag.IntVar(&c.serverPoolSize, "origin-pool-size", 32, "max pooled server sessions per origin address")
	flag.DurationVar(&c.serverKeepAlive, "origin-keep-alive", 60*time.Second, "keep-alive timeout recorded on a parked server session")
	flag.Parse()
	return c
}

func main() {
	cfg := parseConfig()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	drainer := session.NewDrainer()
	hookRegistry := hooks.NewRegistry()
	cacheStore := cache.New(cache.NewMemStore(cfg.shardCount))
	parentResolver := resolver.New(nil)
	serverPools := session.NewPoolManager(&session.TLSDialer{}, int32(cfg.serverPoolSize))

	smCfg := httpsm.Config{
		Hooks:           hookRegistry,
		Cache:           cacheStore,
		Resolver:        parentResolver,
		Origin:          httpsm.NewHTTPOriginFetcher(cfg.originTimeout),
		ServerPools:     serverPools,
		ServerKeepAlive: cfg.serverKeepAlive,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveMetrics(ctx, cfg.metricsAddr, reg)
	go serveAdmin(ctx, cfg.adminAddr, drainer, m)

	if err := serveClients(ctx, cfg.listenAddr, smCfg, drainer); err != nil {
		log.Fatalf("proxycored: %v", err)
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() { <-ctx.Done(); srv.Close() }()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("proxycored: metrics server: %v", err)
	}
}

func serveAdmin(ctx context.Context, addr string, drainer *session.Drainer, m *metrics.Metrics) {
	d := rpc.NewDispatcher()
	d.Handle("admin_server_start_drain", func(params json.RawMessage) (any, error) {
		drainer.Start()
		return map[string]bool{"draining": true}, nil
	})
	d.Handle("admin_server_stop_drain", func(params json.RawMessage) (any, error) {
		drainer.Stop()
		return map[string]bool{"draining": false}, nil
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("proxycored: admin listen: %v", err)
		return
	}
	go func() { <-ctx.Done(); ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go serveAdminConn(conn, d)
	}
}

func serveAdminConn(conn net.Conn, d *rpc.Dispatcher) {
	defer conn.Close()
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	out := d.HandleLine(buf[:n])
	if out != nil {
		conn.Write(append(out, '\n'))
	}
}

func serveClients(ctx context.Context, addr string, smCfg httpsm.Config, drainer *session.Drainer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() { <-ctx.Done(); ln.Close() }()

	fmt.Printf("proxycored: listening on %s\n", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		if drainer.Draining() {
			conn.Close()
			continue
		}
		go handleClientConn(ctx, conn, smCfg)
	}
}

// handleClientConn is the HTTP/1.x front end: wire-level framing (chunked
// transfer, pipelining edge cases, trailers) is out of scope (Non-goal),
// so request-line/header decoding is delegated to net/http's own parser,
// but every decoded request still drives a full transaction through
// httpsm.New(...).Run, matching the core's per-request contract.
func handleClientConn(ctx context.Context, conn net.Conn, smCfg httpsm.Config) {
	defer conn.Close()

	sess := session.New(session.KindClient, iochannel.NewNetChannel(conn))
	defer sess.Close()

	rd := bufio.NewReader(conn)
	for {
		httpReq, err := http.ReadRequest(rd)
		if err != nil {
			return
		}

		req := &httpsm.Request{
			Method: httpReq.Method,
			URL:    httpReq.URL.RequestURI(),
			Host:   httpReq.Host,
			Header: httpReq.Header,
		}
		httpReq.Body.Close()

		txn := httpsm.New(smCfg, sess)
		resp, _ := txn.Run(ctx, req)
		if resp == nil {
			return
		}
		if err := writeResponse(conn, resp); err != nil {
			return
		}
		if httpReq.Close {
			return
		}
	}
}

// writeResponse renders resp as an HTTP/1.1 response directly onto conn;
// the response headers/body are already fully buffered by the SM, so no
// chunked encoding is needed here.
func writeResponse(conn net.Conn, resp *httpsm.Response) error {
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	header.Write(&buf)
	buf.WriteString("\r\n")
	buf.Write(resp.Body)

	_, err := conn.Write(buf.Bytes())
	return err
}
