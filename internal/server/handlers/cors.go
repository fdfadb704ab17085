package handlers

import "net/http"

// AllowedMethods is the method list advertised to browser callers of /ping
// and /proxy.
const AllowedMethods = "GET, PUT, PATCH, POST, DELETE"

// AllowAnyOrigin adds permissive CORS headers, reflecting the headers the
// browser asked to send.
func AllowAnyOrigin(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", AllowedMethods)
	if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
	}
}

// Ping answers the console's reachability probe.
func Ping(w http.ResponseWriter, r *http.Request) {
	AllowAnyOrigin(w, r)
	w.WriteHeader(http.StatusOK)
}
