package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/metrics"
	"github.com/watzon/tether/internal/requestctx"
	"github.com/watzon/tether/internal/server/handlers"
	"github.com/watzon/tether/internal/server/requestlog"
)

// ProxyPrefix starts every proxied path: /proxy/<scheme>//<host><path>.
const ProxyPrefix = "/proxy/"

var ErrInvalidProxyTarget = errors.New("invalid proxy target")

// ProxyTarget recovers the upstream URL from a proxied request URL.
// Clients that collapse the double slash after the scheme are accepted.
func ProxyTarget(u *url.URL) (*url.URL, error) {
	rest, ok := strings.CutPrefix(u.EscapedPath(), ProxyPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrInvalidProxyTarget, ProxyPrefix)
	}

	scheme, remainder, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing scheme", ErrInvalidProxyTarget)
	}
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxyTarget, scheme)
	}

	target, err := url.Parse(scheme + "://" + strings.TrimLeft(remainder, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProxyTarget, err)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidProxyTarget)
	}
	target.RawQuery = u.RawQuery
	return target, nil
}

// Proxy forwards browser requests to arbitrary upstream hosts and returns
// the upstream response with permissive CORS headers.
type Proxy struct {
	transport http.RoundTripper
	log       *requestlog.Store
}

// NewProxy creates a proxy. A nil transport uses http.DefaultTransport; a
// nil store disables request logging.
func NewProxy(transport http.RoundTripper, store *requestlog.Store) *Proxy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Proxy{transport: transport, log: store}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		handlers.AllowAnyOrigin(w, r)
		w.WriteHeader(http.StatusOK)
		return
	}

	target, err := ProxyTarget(r.URL)
	if err != nil {
		handlers.AllowAnyOrigin(w, r)
		handlers.BadRequest(w, err.Error())
		return
	}

	entry := requestlog.Entry{
		ID:        requestctx.RequestID(r.Context()),
		Timestamp: time.Now(),
		Method:    r.Method,
		Target:    target.String(),
		Host:      target.Host,
	}
	defer func() {
		entry.DurationMS = float64(time.Since(entry.Timestamp).Microseconds()) / 1000.0
		metrics.RecordProxyRequest(entry.Status)
		if p.log != nil {
			p.log.Add(entry)
		}
	}()

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			pr.Out.Host = target.Host
		},
		Transport:     p.transport,
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			h := resp.Header
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", handlers.AllowedMethods)
			if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				h.Set("Access-Control-Allow-Headers", requested)
			}
			entry.Status = resp.StatusCode
			entry.BytesOut = resp.ContentLength
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("target", entry.Target).Msg("Proxy request failed")
			entry.Status = http.StatusBadGateway
			entry.Error = err.Error()
			handlers.AllowAnyOrigin(w, r)
			handlers.BadGateway(w, "upstream request failed: "+err.Error())
		},
	}
	rp.ServeHTTP(w, r)
}
