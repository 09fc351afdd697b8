package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JasonTeixeira/Cloudmind-sub002/collab"
	"github.com/JasonTeixeira/Cloudmind-sub002/store"
)

// Options tunes the transport. Zero values fall back to defaults.
type Options struct {
	SendQueueSize  int
	RateLimit      int // inbound messages per RateWindow per connection, 0 disables
	RateWindow     time.Duration
	AllowedOrigins []string // exact Origin values; empty allows any origin
}

// NewHandler wires the collaboration endpoints:
//
//	GET /ws         WebSocket transport
//	GET /healthz    process liveness
//	GET /readyz     store reachability
//	GET /metrics    Prometheus metrics
//	GET /documents  stored documents
//	GET /sessions   live sessions
func NewHandler(log *slog.Logger, mgr *collab.Manager, st store.ContentStore, opts Options) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	r := mux.NewRouter()

	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Warn("ws.upgrade.fail", "remote", req.RemoteAddr, "err", err)
			return
		}
		c := newClient(log, mgr, conn, opts.SendQueueSize, newRateLimiter(opts.RateLimit, opts.RateWindow))
		go c.writePump()
		go c.readPump()
	}).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/documents", func(w http.ResponseWriter, req *http.Request) {
		docs, err := st.List(req.Context())
		if err != nil {
			log.Error("http.documents.fail", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list documents failed"})
			return
		}
		out := make([]documentSummary, 0, len(docs))
		for _, d := range docs {
			out = append(out, documentSummary{
				Path:      d.Path,
				Size:      len(d.Content),
				UpdatedBy: d.UpdatedBy,
				UpdatedAt: d.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}).Methods(http.MethodGet)

	r.HandleFunc("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, mgr.Sessions())
	}).Methods(http.MethodGet)

	return withRequestLogging(log, r)
}

// documentSummary is the /documents listing entry; content stays out of the
// response, only its size is reported.
type documentSummary struct {
	Path      string    `json:"path"`
	Size      int       `json:"size"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
