// Copyright 2017 Fortio Authors
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

// Package fhttp is the HTTP transport used by reqloop: a thin, reusable
// client wrapping net/http, with the subset of fortio's HTTPOptions that
// the load generation engine needs (target URL normalization, extra
// headers, h2 opt-in, per-client connection reuse).
package fhttp // import "fortio.org/loadgen/fhttp"

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"fortio.org/log"
	"golang.org/x/net/http2"
)

const (
	prefixHTTP  = "http://"
	prefixHTTPS = "https://"
)

// Options mirror the subset of fortio's fhttp.HTTPOptions this engine needs.
type Options struct {
	BaseURL          string
	H2               bool // use a cleartext (h2c) http2.Transport instead of net/http's default.
	Insecure         bool
	DisableKeepAlive bool
	ExtraHeaders     http.Header
}

// NormalizeURL adds a missing http:// prefix the way fhttp.URLSchemeCheck does.
func NormalizeURL(url string) string {
	lc := strings.ToLower(url)
	if strings.HasPrefix(lc, prefixHTTP) || strings.HasPrefix(lc, prefixHTTPS) {
		return url
	}
	log.Warnf("Assuming http:// on missing scheme for %q", url)
	return prefixHTTP + url
}

// NewClient builds a *http.Client for one VirtualUser (one per
// argGenerator() call, per spec §4.4/§5: each VirtualUser owns one client,
// released on teardown by calling Close).
func NewClient(o *Options) *http.Client {
	if o.H2 {
		return &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			},
		}
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DisableKeepAlives = o.DisableKeepAlive
	if o.Insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opted in via Options.Insecure
	}
	return &http.Client{Transport: t}
}

// Close releases the client's pooled connections (VirtualUser teardown, §5).
func Close(c *http.Client) {
	if t, ok := c.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// BuildRequest builds an *http.Request for method/path/body against base,
// applying extra headers and the context's deadline/cancellation for timeout.
func BuildRequest(ctx context.Context, base, method, path string, body []byte, headers http.Header) (*http.Request, error) {
	full := base
	if path != "" && path != "/" {
		full = strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}
	var req *http.Request
	var err error
	if len(body) > 0 {
		req, err = http.NewRequestWithContext(ctx, method, full, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, full, http.NoBody)
	}
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// DefaultTimeout mirrors fhttp.HTTPReqTimeOutDefaultValue.
const DefaultTimeout = 3 * time.Second
