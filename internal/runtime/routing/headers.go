package routing

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/bixworker/internal/runtime/cache"
)

func writeSnapshot(w http.ResponseWriter, snap cache.Snapshot, source string) {
	for k, vs := range snap.Header {
		if strings.EqualFold(k, HeaderSource) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeader(w.Header(), source)
	if !bodyAllowed(snap.Status) {
		w.WriteHeader(snap.Status)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Body)))
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func setSourceHeader(h http.Header, source string) {
	if source != "" {
		h.Set(HeaderSource, source)
	}
	// Pages read the header from script, which CORS hides unless exposed.
	ensureExposedHeader(h, HeaderSource)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
