// Package server exposes the directory access layer over an HTTP API:
// cluster listing and health, entry browsing and editing, credential cache
// management and replication monitoring.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ldapdeck/ldapdeck/internal/config"
	"github.com/ldapdeck/ldapdeck/internal/credcache"
	"github.com/ldapdeck/ldapdeck/internal/ldap"
)

// Failure classes the HTTP layer distinguishes for callers.
var (
	errClusterNotFound   = errors.New("cluster not found")
	errCredentialMissing = errors.New("credential not configured")
	errReadOnly          = errors.New("cluster is read-only")
)

// Server wires the request handlers to the directory access layer.
type Server struct {
	cfg      *config.Config
	pool     *ldap.Pool
	selector *ldap.Selector
	creds    *credcache.Cache
	logger   *slog.Logger
	router   chi.Router
}

// New builds the server and its route table.
func New(cfg *config.Config, pool *ldap.Pool, selector *ldap.Selector, creds *credcache.Cache, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		pool:     pool,
		selector: selector,
		creds:    creds,
		logger:   logger.With("component", "http"),
	}
	registerPoolGauge(pool)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/clusters", func(r chi.Router) {
			r.Get("/list", s.handleClusterList)
			r.Get("/health/{cluster}", s.handleClusterHealth)
		})
		r.Route("/credentials", func(r chi.Router) {
			r.Put("/{cluster}", s.handleCredentialSave)
			r.Delete("/{cluster}", s.handleCredentialClear)
			r.Get("/check/{cluster}", s.handleCredentialCheck)
			r.Get("/status/{cluster}", s.handleCredentialStatus)
		})
		r.Route("/entries", func(r chi.Router) {
			r.Get("/search", s.handleSearch)
			r.Get("/stats", s.handleEntryStats)
			r.Post("/create", s.handleCreate)
			r.Put("/update", s.handleUpdate)
			r.Delete("/delete", s.handleDelete)
			r.Get("/groups/all", s.handleAllGroups)
			r.Get("/user/groups", s.handleUserGroups)
			r.Put("/user/groups", s.handleUpdateUserGroups)
		})
		r.Route("/monitoring", func(r chi.Router) {
			r.Get("/nodes", s.handleNodeStats)
			r.Get("/topology", s.handleTopology)
			r.Post("/test-replication", s.handleReplicationTest)
		})
		r.Get("/pool/stats", s.handlePoolStats)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler tree.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// cluster resolves the named cluster definition.
func (s *Server) cluster(name string) (*config.Cluster, error) {
	cluster, ok := s.cfg.Cluster(name)
	if !ok {
		return nil, errClusterNotFound
	}
	return cluster, nil
}

// sessionConfig resolves credential and endpoint for one operation against
// the cluster: credential cache first, then endpoint selection for the
// operation class.
func (s *Server) sessionConfig(cluster *config.Cluster, class ldap.OperationClass) (ldap.SessionConfig, error) {
	secret, err := s.creds.Get(cluster.Name, cluster.BindDN)
	if err != nil {
		return ldap.SessionConfig{}, errCredentialMissing
	}
	endpoint, err := s.selector.SelectEndpoint(cluster.Topology(), class)
	if err != nil {
		return ldap.SessionConfig{}, err
	}
	return ldap.SessionConfig{
		Endpoint: endpoint,
		BindDN:   cluster.BindDN,
		Password: secret,
		BaseDN:   cluster.BaseDN,
	}, nil
}

// withSession runs fn on a pooled session bound to the endpoint selected
// for the operation class.
func (s *Server) withSession(cluster *config.Cluster, class ldap.OperationClass, fn func(*ldap.Session) error) error {
	cfg, err := s.sessionConfig(cluster, class)
	if err != nil {
		return err
	}
	return s.pool.WithSession(cfg, fn)
}

// rejectReadOnly guards every write route.
func rejectReadOnly(cluster *config.Cluster) error {
	if cluster.ReadOnly {
		return errReadOnly
	}
	return nil
}
