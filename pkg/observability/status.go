package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// PluginInfo is one entry of the /plugins listing
type PluginInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Package  string    `json:"package"`
	LoadedAt time.Time `json:"loaded_at"`
}

// PluginDirectory reports the plugins currently loaded
type PluginDirectory interface {
	PluginInfo() []PluginInfo
	LookupPlugin(id string) (PluginInfo, bool)
}

// StatusServer serves metrics, health and the loaded plugin list
type StatusServer struct {
	server *http.Server
	router *mux.Router
	log    *logrus.Logger
}

// NewStatusServer builds the router. The server is not started.
func NewStatusServer(addr string, gatherer prometheus.Gatherer, health *HealthChecker, plugins PluginDirectory, log *logrus.Logger) *StatusServer {
	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, gatherer)
	router.HandleFunc("/healthz", health.Liveness).Methods("GET")
	router.HandleFunc("/healthz/ready", health.Readiness).Methods("GET")
	router.HandleFunc("/plugins", func(w http.ResponseWriter, r *http.Request) {
		list := []PluginInfo{}
		if plugins != nil {
			list = append(list, plugins.PluginInfo()...)
		}
		writeJSON(w, http.StatusOK, list)
	}).Methods("GET")
	router.HandleFunc("/plugins/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if plugins != nil {
			if info, ok := plugins.LookupPlugin(id); ok {
				writeJSON(w, http.StatusOK, info)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "plugin " + id + " is not loaded"})
	}).Methods("GET")

	return &StatusServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           otelhttp.NewHandler(router, "status"),
			ReadHeaderTimeout: 10 * time.Second,
		},
		router: router,
		log:    log,
	}
}

// Handler returns the router, for tests and embedding
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background
func (s *StatusServer) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		defer RecoverPanic(s.log, "status server")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Status server stopped")
		}
	}()

	s.log.Infof("Status server listening on %s", ln.Addr())
	return ln.Addr(), nil
}

// Shutdown stops the server gracefully
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
