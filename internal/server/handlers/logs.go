package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/watzon/tether/internal/server/requestlog"
)

// ProxyLogHandlers serves the log of proxied requests.
type ProxyLogHandlers struct {
	store *requestlog.Store
}

func NewProxyLogHandlers(store *requestlog.Store) *ProxyLogHandlers {
	return &ProxyLogHandlers{store: store}
}

// List handles GET /api/proxy/requests.
func (h *ProxyLogHandlers) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := requestlog.FilterOptions{
		Method: query.Get("method"),
		Host:   query.Get("host"),
		Failed: query.Get("failed") == "true",
	}
	opts.Limit = intParam(query, "limit")
	opts.Offset = intParam(query, "offset")
	opts.MinStatus = intParam(query, "min_status")
	opts.MaxStatus = intParam(query, "max_status")
	if v := query.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = t
		}
	}

	JSON(w, http.StatusOK, h.store.List(opts))
}

// Clear handles DELETE /api/proxy/requests.
func (h *ProxyLogHandlers) Clear(w http.ResponseWriter, r *http.Request) {
	h.store.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func intParam(query url.Values, key string) int {
	n, err := strconv.Atoi(query.Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
