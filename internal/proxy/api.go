package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// routes serves the requests that are not proxy requests: the control API,
// the metrics endpoint and, in edge mode, the application itself.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Application traffic in edge mode stays outside the CORS group so the
	// upstream's own headers and preflights reach the page untouched.
	r.Group(func(r chi.Router) {
		r.Use(s.cors)

		r.Get("/_worker/status", s.handleStatus)
		r.Post("/_worker/registration", s.handleRegister)
		r.Delete("/_worker/registration", s.handleUnregister)
		r.Get("/_worker/stores", s.handleStores)
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

		for _, pattern := range []string{"/_worker/status", "/_worker/registration", "/_worker/stores"} {
			r.Options(pattern, noContent)
		}
	})

	if s.config.Server.Upstream != "" {
		r.NotFound(s.serveEdge)
		r.MethodNotAllowed(s.serveEdge)
	}
	return r
}

// cors answers preflight requests and allows credentialed requests from the
// configured origin only
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" && origin == s.config.Server.CORS.AllowedOrigin {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func noContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// StatusResponse is returned by GET /_worker/status
type StatusResponse struct {
	Registered bool   `json:"registered"`
	Origin     string `json:"origin"`
	CacheName  string `json:"cache_name,omitempty"`
	Version    string `json:"version,omitempty"`
	State      string `json:"state,omitempty"`
	InFlight   int64  `json:"in_flight"`
}

func (s *Server) status() StatusResponse {
	status := StatusResponse{Origin: s.origin.String()}
	if w := s.registry.Controller(); w != nil {
		status.Registered = true
		status.CacheName = w.CacheName()
		status.Version = w.Version()
		status.State = w.State().String()
		status.InFlight = w.InFlight()
	}
	return status
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := s.Register(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStores(w http.ResponseWriter, r *http.Request) {
	var active string
	if ctrl := s.registry.Controller(); ctrl != nil {
		active = ctrl.CacheName()
	}
	stores, err := ListStores(r.Context(), s.storage, active)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stores)
}

// serveEdge serves a plain request as a request for the worker origin
func (s *Server) serveEdge(w http.ResponseWriter, r *http.Request) {
	requ := r.Clone(r.Context())
	requ.URL.Scheme = s.origin.Scheme
	requ.URL.Host = s.origin.Host
	requ.Host = s.origin.Host
	requ.RequestURI = ""

	logrus.Debugf("Edge request %s %s", requ.Method, getTargetURL(requ))
	writeResponse(w, s.handle(requ))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	logrus.Errorf("Control request failed: %v", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
