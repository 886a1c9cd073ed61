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

package egress

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
)

// ParsedRequest is the decomposed view of a REQUEST payload: method,
// target, version, headers (keys canonicalized by net/http, repeated
// keys kept, not last-wins), and a raw body.
type ParsedRequest struct {
	Method string
	Target string
	Proto  string
	Header http.Header
	Body   []byte
}

// hopByHopHeaders are stripped before forwarding to the origin: they
// describe the hop to this proxy, not the hop onward.
var hopByHopHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authorization",
}

// parseRequest decodes raw proxy-style HTTP request bytes using
// net/http's own request reader, which preserves repeated header keys
// (e.g. Cookie) instead of collapsing them to the last value.
func parseRequest(raw []byte) (*ParsedRequest, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("egress: malformed request: %w", err)
	}

	var body []byte
	if req.Body != nil {
		body = make([]byte, 0, req.ContentLength)
		buf := make([]byte, 32*1024)
		for {
			n, rerr := req.Body.Read(buf)
			if n > 0 {
				body = append(body, buf[:n]...)
			}
			if rerr != nil {
				break
			}
		}
		req.Body.Close()
	}

	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}

	return &ParsedRequest{
		Method: req.Method,
		Target: req.RequestURI,
		Proto:  req.Proto,
		Header: req.Header,
		Body:   body,
	}, nil
}
