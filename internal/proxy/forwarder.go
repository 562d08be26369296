package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	dbpkg "quotagate/internal/db"
)

// Forwarding failure classes. Timeouts are distinguished from other
// transport failures so the gateway can report which one happened; both
// surface as a 502 to the caller.
var (
	ErrUpstreamTimeout     = errors.New("upstream request timed out")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// forwardedHeaders is the fixed allow-list of inbound headers copied onto
// the upstream request. Everything else from the caller is dropped.
var forwardedHeaders = []string{"Content-Type", "Accept", "User-Agent", "Authorization"}

// hopHeaders are stripped from upstream responses: the gateway fully
// buffers the body, so connection-management headers from the upstream no
// longer describe what the client receives.
var hopHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Content-Length":    true,
}

// Request is the inbound half of one forwarding attempt, already reduced
// to what the upstream call needs.
type Request struct {
	Method string

	// Path is the remainder after /proxy/{slug}, without a leading slash.
	// Empty means "forward to the route's base path exactly".
	Path string

	// Query is the inbound raw query string, forwarded verbatim.
	Query string

	// Header is the full inbound header set; only the allow-list is
	// forwarded.
	Header http.Header

	Body []byte
}

// Result is a fully buffered upstream response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder executes proxied requests against protected APIs with a
// bounded per-request timeout.
type Forwarder struct {
	client *http.Client
}

func NewForwarder(timeout time.Duration) *Forwarder {
	return &Forwarder{client: &http.Client{Timeout: timeout}}
}

// TargetURL joins a route's target URL with the inbound path remainder and
// query. The base path keeps no trailing slash, so /proxy/slug and
// /proxy/slug/ both resolve to the bare base path and deeper remainders
// never produce doubled slashes.
func TargetURL(route *dbpkg.ProtectedAPI, path, query string) (string, error) {
	u, err := url.Parse(route.TargetURL)
	if err != nil {
		return "", fmt.Errorf("invalid target URL for %s: %w", route.Slug, err)
	}

	base := strings.TrimSuffix(u.Path, "/")
	full := u.Scheme + "://" + u.Host + base
	if path != "" {
		full += "/" + path
	}
	if query != "" {
		full += "?" + query
	}
	return full, nil
}

// Forward rewrites in into an upstream request for route, executes it and
// returns the buffered response. The inbound body is omitted for GET/HEAD.
func (f *Forwarder) Forward(ctx context.Context, route *dbpkg.ProtectedAPI, in *Request) (*Result, error) {
	target, err := TargetURL(route, in.Path, in.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if in.Method != http.MethodGet && in.Method != http.MethodHead && len(in.Body) > 0 {
		body = bytes.NewReader(in.Body)
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}

	// Route defaults first, then the allow-listed inbound headers, so a
	// header the caller actually sent wins over the configured default.
	for name, value := range route.DefaultHeaders {
		if s, ok := value.(string); ok {
			req.Header.Set(name, s)
		}
	}
	for _, name := range forwardedHeaders {
		if v := in.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	header := make(http.Header, len(resp.Header))
	for name, values := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}

	return &Result{StatusCode: resp.StatusCode, Header: header, Body: respBody}, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}
