// Command proxyctl is a traffic_ctl-style CLI speaking the admin
// JSON-RPC envelope to a running proxycored, mirroring the teacher's
// cmd/memcache-cli request/response CLI shape.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"
)

func main() {
	addr := flag.String("admin", "127.0.0.1:8081", "proxycored admin address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: proxyctl [-admin host:port] <verb> [params-json]")
		os.Exit(1)
	}

	verb := args[0]
	var params json.RawMessage
	if len(args) > 1 {
		params = json.RawMessage(args[1])
	}

	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  verb,
		"id":      fmt.Sprint(time.Now().UnixNano()),
	}
	if params != nil {
		req["params"] = params
	}

	line, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxyctl: %v\n", err)
		os.Exit(1)
	}

	conn, err := net.DialTimeout("tcp", *addr, 3*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxyctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := conn.Write(line); err != nil {
		fmt.Fprintf(os.Stderr, "proxyctl: write: %v\n", err)
		os.Exit(1)
	}

	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxyctl: read: %v\n", err)
		os.Exit(1)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		fmt.Fprintf(os.Stderr, "proxyctl: malformed response: %v\n", err)
		os.Exit(1)
	}

	if resp.Error != nil {
		fmt.Fprintf(os.Stderr, "error %d: %s\n", resp.Error.Code, resp.Error.Message)
		os.Exit(1)
	}

	fmt.Println(string(resp.Result))
}
