// Copyright 2024 The Ship Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingress

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/shipproxy/shipproxy/frame"
	"github.com/shipproxy/shipproxy/link"
	"github.com/shipproxy/shipproxy/multiplexer"
)

// pipeDialer returns a link.Dialer whose far end is handed to the test
// via the returned channel, simulating the offshore peer over an
// in-memory pipe.
func pipeDialer(t *testing.T) (link.Dialer, <-chan net.Conn) {
	t.Helper()
	peers := make(chan net.Conn, 8)
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		peers <- server
		return client, nil
	}, peers
}

func newTestMux(t *testing.T) (*multiplexer.Multiplexer, <-chan net.Conn) {
	t.Helper()
	dialer, peers := pipeDialer(t)
	mgr := link.New(link.Options{Dial: dialer})
	mux := multiplexer.New(multiplexer.Options{Link: mgr})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mux.Run(ctx)
	return mux, peers
}

// respondOnce reads one REQUEST frame off peer and writes back a fixed
// RESPONSE payload.
func respondOnce(t *testing.T, peer net.Conn, respPayload []byte) {
	t.Helper()
	typ, _, err := frame.ReadFrame(peer, 0)
	if err != nil {
		t.Errorf("offshore peer: ReadFrame: %v", err)
		return
	}
	if typ != frame.Request {
		t.Errorf("offshore peer: type = %v, want Request", typ)
		return
	}
	if err := frame.WriteFrame(peer, frame.Response, respPayload); err != nil {
		t.Errorf("offshore peer: WriteFrame: %v", err)
	}
}

func TestListener_SimpleGETDeliversOffshoreResponse(t *testing.T) {
	mux, peers := newTestMux(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	listener := NewListener(mux, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx, ln)

	go func() {
		peer := <-peers
		respondOnce(t, peer, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.Write([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
}

func TestListener_UnsupportedMethodIs400(t *testing.T) {
	mux, _ := newTestMux(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	listener := NewListener(mux, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.Write([]byte("TRACE http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListener_MalformedRequestIs400(t *testing.T) {
	mux, _ := newTestMux(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	listener := NewListener(mux, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.Write([]byte("not even close to a request\r\n\r\n"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListener_QueueFullIs503(t *testing.T) {
	dialer, _ := pipeDialer(t)
	mgr := link.New(link.Options{Dial: dialer})
	mux := multiplexer.New(multiplexer.Options{Link: mgr, QueueCapacity: 1})
	// No Run loop: the blocker submitted below takes the single queue
	// slot and is never drained, so the queue stays full.
	blocker := multiplexer.NewSubmission([]byte("x"))
	if err := mux.Submit(blocker); err != nil {
		t.Fatalf("seed submit: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	listener := NewListener(mux, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, err = conn.Write([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestListener_FIFOAcrossConcurrentBrowserConnections(t *testing.T) {
	mux, peers := newTestMux(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	listener := NewListener(mux, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx, ln)

	const n = 3
	var wireOrder []string
	done := make(chan struct{})
	go func() {
		peer := <-peers
		for i := 0; i < n; i++ {
			typ, payload, err := frame.ReadFrame(peer, 0)
			if err != nil {
				t.Errorf("offshore: ReadFrame: %v", err)
				return
			}
			if typ != frame.Request {
				t.Errorf("offshore: type = %v, want Request", typ)
				return
			}
			line := bytes.SplitN(payload, []byte("\r\n"), 2)[0]
			wireOrder = append(wireOrder, string(line))
			// Echo the request line so each browser can tell whose
			// response it received.
			resp := []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(line), line))
			if err := frame.WriteFrame(peer, frame.Response, resp); err != nil {
				t.Errorf("offshore: WriteFrame: %v", err)
				return
			}
		}
		close(done)
	}()

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			conn, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				results <- err
				return
			}
			defer conn.Close()
			reqLine := fmt.Sprintf("GET http://example.com/r%d HTTP/1.1", i)
			if _, err := conn.Write([]byte(reqLine + "\r\nHost: example.com\r\n\r\n")); err != nil {
				results <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			if err != nil {
				results <- err
				return
			}
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err == nil && string(body) != reqLine {
				err = fmt.Errorf("got response for %q, want %q", body, reqLine)
			}
			results <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("offshore peer never saw all requests")
	}
	if len(wireOrder) != n {
		t.Fatalf("wireOrder = %v, want %d entries", wireOrder, n)
	}
}
