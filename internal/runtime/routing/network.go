package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/bixworker/internal/runtime/cache"
)

// Network reaches the origin the worker fronts. Redirects are returned to the
// caller rather than followed, as a proxy must.
type Network struct {
	origin *url.URL
	client *http.Client
}

// NewNetwork parses originURL and prepares a client. A nil client gets a
// default one with the given timeout.
func NewNetwork(originURL string, timeout time.Duration, client *http.Client) (*Network, error) {
	u, err := url.Parse(strings.TrimRight(originURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("routing: origin url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("routing: origin url %q must be absolute", originURL)
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	copied := *client
	copied.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Network{origin: u, client: &copied}, nil
}

// Origin returns the base origin URL.
func (n *Network) Origin() string {
	return n.origin.String()
}

// Target maps an intercepted request onto the absolute origin URL that
// identifies it in the cache.
func (n *Network) Target(r *http.Request) string {
	return n.origin.String() + r.URL.RequestURI()
}

// Resolve turns a manifest entry, relative to the scope, into an absolute
// origin URL.
func (n *Network) Resolve(scope, entry string) (string, error) {
	base := *n.origin
	base.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(scope, "/")
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ref, err := url.Parse(strings.TrimSpace(entry))
	if err != nil {
		return "", fmt.Errorf("routing: manifest entry %q: %w", entry, err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Host != n.origin.Host || resolved.Scheme != n.origin.Scheme {
		return "", fmt.Errorf("routing: manifest entry %q leaves the origin", entry)
	}
	return resolved.String(), nil
}

// Fetch performs a GET for id and captures the whole response. Any status is
// returned; callers decide whether it is worth storing.
func (n *Network) Fetch(ctx context.Context, id cache.Identity, header http.Header) (cache.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id.URL, nil)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("routing: build request: %w", err)
	}
	copyHeaders(req.Header, header)
	// Stored bodies are replayed verbatim, so ask for them uncompressed and
	// unconditional.
	req.Header.Set("Accept-Encoding", "identity")
	for _, name := range conditionalHeaders {
		req.Header.Del(name)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("routing: fetch %s: %w", id.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("routing: read %s: %w", id.URL, err)
	}

	snap := cache.Snapshot{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	stripHopHeaders(snap.Header)
	snap.Header.Del("Content-Length")
	return snap, nil
}

// Proxy returns a streaming reverse proxy to the origin. source is stamped
// on every response; transport failures become 502.
func (n *Network) Proxy(source string, onError func(*http.Request, error)) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(n.origin)
			pr.SetXForwarded()
		},
		Transport: n.client.Transport,
		ModifyResponse: func(resp *http.Response) error {
			setSourceHeader(resp.Header, source)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if onError != nil && !errors.Is(err, context.Canceled) {
				onError(r, err)
			}
			setSourceHeader(w.Header(), source)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

var conditionalHeaders = []string{"If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since", "If-Range", "Range"}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	stripHopHeaders(dst)
}

func stripHopHeaders(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
