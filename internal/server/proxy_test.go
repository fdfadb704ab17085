package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/tether/internal/server/requestlog"
)

func TestProxyTarget(t *testing.T) {
	tests := []struct {
		path    string
		query   string
		want    string
		wantErr bool
	}{
		{path: "/proxy/https://example.com/path", want: "https://example.com/path"},
		{path: "/proxy/https:/example.com/path", want: "https://example.com/path"},
		{path: "/proxy/http://localhost:8080/a/b", query: "x=1&y=2", want: "http://localhost:8080/a/b?x=1&y=2"},
		{path: "/proxy/HTTPS://example.com", want: "https://example.com"},
		{path: "/proxy/https://example.com/a%20b", want: "https://example.com/a%20b"},
		{path: "/proxy/ftp://example.com/file", wantErr: true},
		{path: "/proxy/example.com/path", wantErr: true},
		{path: "/proxy/https://", wantErr: true},
		{path: "/other/https://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			u := &url.URL{Path: tt.path, RawQuery: tt.query}
			if unescaped, err := url.PathUnescape(tt.path); err == nil && unescaped != tt.path {
				u.Path = unescaped
				u.RawPath = tt.path
			}

			got, err := ProxyTarget(u)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidProxyTarget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestProxyForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream-Method", r.Method)
		w.Header().Set("X-Upstream-Host", r.Host)
		w.Header().Set("X-Upstream-Query", r.URL.RawQuery)
		w.Header().Set("X-Upstream-Custom", r.Header.Get("X-Custom"))
		w.Header().Set("Access-Control-Allow-Origin", "https://only.example.com")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(r.URL.Path + ":" + string(body)))
	}))
	defer upstream.Close()

	ts := setupTestServer(t, WithProxyTransport(upstream.Client().Transport))
	host := strings.TrimPrefix(upstream.URL, "https://")

	req, err := http.NewRequest(http.MethodPatch, ts.http.URL+"/proxy/https://"+host+"/items/7?expand=true", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, err)
	req.Header.Set("X-Custom", "yes")
	req.Header.Set("Access-Control-Request-Headers", "x-custom")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, http.MethodPatch, resp.Header.Get("X-Upstream-Method"))
	assert.Equal(t, host, resp.Header.Get("X-Upstream-Host"))
	assert.Equal(t, "expand=true", resp.Header.Get("X-Upstream-Query"))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream-Custom"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "x-custom", resp.Header.Get("Access-Control-Allow-Headers"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `/items/7:{"name":"x"}`, string(body))

	logged := ts.ProxyLogs().List(requestlog.FilterOptions{})
	require.Len(t, logged.Entries, 1)
	assert.Equal(t, http.StatusTeapot, logged.Entries[0].Status)
	assert.Equal(t, host, logged.Entries[0].Host)
	assert.Equal(t, http.MethodPatch, logged.Entries[0].Method)
}

func TestProxyPassesUpstreamErrorsThrough(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer upstream.Close()

	ts := setupTestServer(t, WithProxyTransport(upstream.Client().Transport))

	resp, err := http.Get(ts.http.URL + "/proxy/" + upstream.URL + "/secret")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "nope\n", string(body))
}

func TestProxyOptionsAnsweredLocally(t *testing.T) {
	ts := setupTestServer(t, WithProxyTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("preflight must not reach upstream")
		return nil, nil
	})))

	req, err := http.NewRequest(http.MethodOptions, ts.http.URL+"/proxy/https://example.com/x", nil)
	require.NoError(t, err)
	req.Header.Set("Access-Control-Request-Headers", "authorization")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "authorization", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewTLSServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	ts := setupTestServer(t)

	resp, err := http.Get(ts.http.URL + "/proxy/" + target + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	logged := ts.ProxyLogs().List(requestlog.FilterOptions{Failed: true})
	require.Len(t, logged.Entries, 1)
	assert.Equal(t, http.StatusBadGateway, logged.Entries[0].Status)
}

func TestProxyRejectsBadTarget(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.http.URL + "/proxy/gopher://example.com/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
