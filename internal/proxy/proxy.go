// Package proxy forwards requests the gateway does not handle itself to the
// real vendor API, preserving method, headers, body and query string.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"raygate/internal/provider"
)

// Hop-by-hop headers are meaningful only for a single transport link and
// must not be forwarded (RFC 7230 §6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy is the pass-through client. With a base URL configured, targets are
// built from it plus the inbound path; without one, the inbound URL itself
// is reused with http:// normalised to https:// (the gateway sits behind
// DNS pointing the vendor hostname at itself).
type Proxy struct {
	client  *http.Client
	baseURL string
}

// New constructs a proxy. baseURL may be empty.
func New(client *http.Client, baseURL string) *Proxy {
	return &Proxy{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// TargetURL resolves the upstream URL for an inbound request.
func (p *Proxy) TargetURL(req *http.Request) string {
	if p.baseURL != "" {
		target := p.baseURL + req.URL.Path
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		return target
	}

	url := req.URL.String()
	if !strings.Contains(url, "https://") {
		url = strings.Replace(url, "http://", "https://", 1)
	}
	return url
}

// Do forwards the inbound request upstream and returns the raw response.
// The caller owns the response body.
func (p *Proxy) Do(ctx context.Context, inbound *http.Request) (*http.Response, error) {
	outbound, err := http.NewRequestWithContext(ctx, inbound.Method, p.TargetURL(inbound), inbound.Body)
	if err != nil {
		return nil, fmt.Errorf("construct pass-through request: %w", err)
	}

	outbound.Header = inbound.Header.Clone()
	for _, h := range hopByHopHeaders {
		outbound.Header.Del(h)
	}
	// The outbound host comes from the target URL, not the inbound header.
	outbound.Header.Del("Host")
	outbound.Host = ""

	resp, err := p.client.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("%w: pass-through to %s: %v", provider.ErrUpstreamUnavailable, outbound.URL.Host, err)
	}
	return resp, nil
}

// CopyHeaders writes upstream response headers onto dst, skipping
// hop-by-hop headers and Content-Length (the body may be rewritten after
// copying, so the length is recomputed on write).
func CopyHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	for _, h := range hopByHopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}

// ReadBody drains and closes an upstream response body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return body, nil
}

// Close releases pooled upstream connections.
func (p *Proxy) Close() {
	p.client.CloseIdleConnections()
}
