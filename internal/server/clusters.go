package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ldapdeck/ldapdeck/internal/config"
	"github.com/ldapdeck/ldapdeck/internal/ldap"
)

type clusterInfo struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Host        string        `json:"host,omitempty"`
	Port        int           `json:"port,omitempty"`
	Nodes       []config.Node `json:"nodes,omitempty"`
	BaseDN      string        `json:"base_dn"`
	BindDN      string        `json:"bind_dn"`
	ReadOnly    bool          `json:"readonly"`
}

func (s *Server) handleClusterList(w http.ResponseWriter, _ *http.Request) {
	if len(s.cfg.Clusters) == 0 {
		writeError(w, errClusterNotFound)
		return
	}

	out := make([]clusterInfo, 0, len(s.cfg.Clusters))
	for _, c := range s.cfg.Clusters {
		info := clusterInfo{
			Name:        c.Name,
			Description: c.Description,
			Host:        c.Host,
			Nodes:       c.Nodes,
			BaseDN:      c.BaseDN,
			BindDN:      c.BindDN,
			ReadOnly:    c.ReadOnly,
		}
		if c.Host != "" {
			info.Port = c.Port
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": out})
}

type clusterHealth struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// handleClusterHealth verifies that the cluster's health endpoint accepts an
// authenticated session. A missing credential is a warning, not an error:
// the caller has to supply the password before anything can connect.
func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.cluster(chi.URLParam(r, "cluster"))
	if err != nil {
		writeJSON(w, http.StatusOK, clusterHealth{Status: "error", Message: "cluster not found in configuration"})
		return
	}

	cfg, err := s.sessionConfig(cluster, ldap.OpHealth)
	if errors.Is(err, errCredentialMissing) {
		writeJSON(w, http.StatusOK, clusterHealth{Status: "warning", Message: "credential not configured; enter the bind password to connect"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, clusterHealth{Status: "error", Message: err.Error()})
		return
	}

	sess, err := ldap.Connect(cfg, s.logger)
	observe("health_check", err)
	if err != nil {
		status := clusterHealth{Status: "error", Message: err.Error()}
		if ldap.IsAuthError(err) {
			status.Message = "invalid credentials; check bind DN and password"
			// A wrong cached password will keep failing until replaced.
			credentialEvents.WithLabelValues("invalidated").Inc()
			_ = s.creds.Clear(cluster.Name, cluster.BindDN)
		}
		writeJSON(w, http.StatusOK, status)
		return
	}
	_ = sess.Close()

	writeJSON(w, http.StatusOK, clusterHealth{
		Status:  "healthy",
		Message: "successfully connected to " + cfg.Endpoint.Addr(),
	})
}
