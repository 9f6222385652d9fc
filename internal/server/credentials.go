package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ldapdeck/ldapdeck/internal/credcache"
)

type credentialSaveRequest struct {
	Password   string `json:"password"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// handleCredentialSave stores the bind password for a cluster in the
// encrypted cache. The secret never appears in logs or responses.
func (s *Server) handleCredentialSave(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.cluster(chi.URLParam(r, "cluster"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req credentialSaveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Password == "" {
		writeError(w, errors.New("password cannot be empty"))
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.creds.Save(cluster.Name, cluster.BindDN, req.Password, ttl); err != nil {
		writeError(w, err)
		return
	}
	credentialEvents.WithLabelValues("save").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleCredentialCheck(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.cluster(chi.URLParam(r, "cluster"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"cached": false})
		return
	}

	_, err = s.creds.Get(cluster.Name, cluster.BindDN)
	if err != nil {
		credentialEvents.WithLabelValues("miss").Inc()
	} else {
		credentialEvents.WithLabelValues("hit").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cached": err == nil})
}

func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.cluster(chi.URLParam(r, "cluster"))
	if err != nil {
		writeJSON(w, http.StatusOK, credcache.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.creds.GetStatus(cluster.Name, cluster.BindDN))
}

func (s *Server) handleCredentialClear(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.cluster(chi.URLParam(r, "cluster"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.creds.Clear(cluster.Name, cluster.BindDN); err != nil {
		writeError(w, err)
		return
	}
	credentialEvents.WithLabelValues("clear").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
