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

// Package egress implements the offshore side: reading framed requests
// off the single ship link, replaying them against the real origin,
// and framing the response back. Origin failures are always rendered
// as synthetic HTTP responses so the one-request-in, one-response-out
// pairing on the wire never breaks.
package egress

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// originTimeout bounds the round-trip to the real origin server.
const originTimeout = 30 * time.Second

// Handler processes REQUEST payloads into RESPONSE payloads.
type Handler struct {
	client *http.Client
	log    *zap.Logger
}

// Options configures a Handler.
type Options struct {
	// InsecureSkipVerify disables TLS certificate verification on
	// HTTPS origin fetches. Defaults to false: certificates are verified
	// unless an operator explicitly opts out.
	InsecureSkipVerify bool
	Log                *zap.Logger
}

// NewHandler constructs a Handler with its own http.Client, separate
// from any client used elsewhere in the process.
func NewHandler(opts Options) *Handler {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}, //nolint:gosec // operator opt-in only
	}
	return &Handler{
		client: &http.Client{
			Transport: transport,
			Timeout:   originTimeout,
			// The single link only ever carries one logical request at
			// a time; redirects must be resolved by the browser, not
			// silently followed offshore.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

// Handle turns one REQUEST payload into one RESPONSE payload. It never
// returns an error: all failures are rendered as synthetic HTTP
// response bytes so the caller always has exactly one response to
// frame back.
func (h *Handler) Handle(ctx context.Context, raw []byte) []byte {
	parsed, err := parseRequest(raw)
	if err != nil {
		h.log.Warn("malformed request payload", zap.Error(err))
		return errorResponse(http.StatusBadRequest, "Bad Request", err.Error())
	}

	if strings.EqualFold(parsed.Method, http.MethodConnect) {
		return h.handleConnect(parsed)
	}

	target, err := normalizeTarget(parsed.Target)
	if err != nil {
		h.log.Warn("illegal target form", zap.String("target", parsed.Target), zap.Error(err))
		return errorResponse(http.StatusBadRequest, "Bad Request", err.Error())
	}

	return h.fetch(ctx, parsed, target)
}

// handleConnect answers CONNECT honestly: this proxy carries framed
// HTTP request/response pairs over a single link, not raw tunneled
// bytes, so it cannot establish a tunnel and says so instead of
// replying 200 and then misreading the client's TLS bytes as a frame.
func (h *Handler) handleConnect(parsed *ParsedRequest) []byte {
	h.log.Info("rejecting CONNECT: tunneling is not supported over the single link", zap.String("target", parsed.Target))
	body := "CONNECT tunneling is not supported by this proxy; the link carries framed HTTP request/response pairs only.\n"
	return []byte("HTTP/1.1 501 Not Implemented\r\n" +
		"Content-Type: text/plain\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		"Connection: close\r\n\r\n" + body)
}

// ErrOriginForm is returned by normalizeTarget when given a relative
// ("/path") target, which is illegal in a proxy request.
var ErrOriginForm = errors.New("egress: origin-form target is not a valid proxy request")

// normalizeTarget turns a request target into an absolute URL.
func normalizeTarget(target string) (*url.URL, error) {
	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		// already absolute
	case strings.HasPrefix(target, "/"):
		return nil, ErrOriginForm
	default:
		target = "http://" + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("egress: invalid target %q: %w", target, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("egress: invalid target %q: no host", target)
	}
	return u, nil
}

// fetch performs the real origin round-trip and assembles the wire
// response.
func (h *Handler) fetch(ctx context.Context, parsed *ParsedRequest, target *url.URL) []byte {
	reqCtx, cancel := context.WithTimeout(ctx, originTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(reqCtx, parsed.Method, target.String(), bytes.NewReader(parsed.Body))
	if err != nil {
		return errorResponse(http.StatusBadGateway, "Bad Gateway", err.Error())
	}
	outReq.Header = parsed.Header.Clone()
	if len(parsed.Body) > 0 {
		outReq.ContentLength = int64(len(parsed.Body))
	}

	resp, err := h.client.Do(outReq)
	if err != nil {
		return h.originError(target, err)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		h.log.Warn("error reading origin response body", zap.Error(err))
	}

	return assembleResponse(resp, body.Bytes())
}

// originError maps a failed origin round-trip to a synthetic status
// code: a timeout becomes 504, anything else becomes 502.
func (h *Handler) originError(target *url.URL, err error) []byte {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		h.log.Warn("origin timeout", zap.String("host", target.Host), zap.Error(err))
		return errorResponse(http.StatusGatewayTimeout, "Gateway Timeout", fmt.Sprintf("timed out fetching %s", target.Host))
	default:
		h.log.Warn("origin fetch failed", zap.String("host", target.Host), zap.Error(err))
		return errorResponse(http.StatusBadGateway, "Bad Gateway", err.Error())
	}
}

// assembleResponse reassembles the origin response as wire bytes:
// status line, Content-Length/Connection: close re-derived, all other
// origin headers preserved except the transfer-framing ones, then the
// body.
func assembleResponse(resp *http.Response, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	buf.WriteString("Connection: close\r\n")

	for key, values := range resp.Header {
		switch strings.ToLower(key) {
		case "connection", "transfer-encoding", "content-length":
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, v)
		}
	}

	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// errorResponse synthesizes an operator-friendly HTML error page
// instead of an empty body.
func errorResponse(status int, reason, detail string) []byte {
	bodyStr := "<!DOCTYPE html><html><head><title>" + strconv.Itoa(status) + " " + reason +
		"</title></head><body><h1>" + strconv.Itoa(status) + " " + reason + "</h1><p>" + detail +
		"</p><hr><p><em>offshore proxy</em></p></body></html>"

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, reason)
	buf.WriteString("Content-Type: text/html\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(bodyStr))
	buf.WriteString("Connection: close\r\n\r\n")
	buf.WriteString(bodyStr)
	return buf.Bytes()
}
