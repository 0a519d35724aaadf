package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pkgpulse/pkg/async"
	"github.com/platinummonkey/pkgpulse/pkg/github"
	"github.com/platinummonkey/pkgpulse/pkg/httputil"
)

// refreshTimeout caps a manually triggered batch refresh. First-time runs
// walk every package's full history, so this is deliberately long.
const refreshTimeout = 2 * time.Hour

// getPackageStats returns the cached download rollup for one package,
// refreshing it first when the cache has expired.
func (s *Server) getPackageStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	pkg, err := s.service.GetPackageStats(r.Context(), name)
	if err != nil {
		s.logger.WithError(err).Errorf("failed to get package stats for %s", name)
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, pkg)
}

// getLibraryStats returns the rollup for a library grouping.
func (s *Server) getLibraryStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ls, err := s.service.GetLibraryStats(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).Errorf("failed to get library stats for %s", id)
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, ls)
}

// getOrgStats returns the organization-wide download rollup.
func (s *Server) getOrgStats(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrg(w, r) {
		return
	}

	os, err := s.service.GetOrgStats(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to get org stats")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, os)
}

// getRepoStats returns cached GitHub metrics for one repository.
func (s *Server) getRepoStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	fullName := vars["owner"] + "/" + vars["repo"]

	rs, err := s.service.GetRepoStats(r.Context(), fullName)
	if errors.Is(err, github.ErrNotFound) {
		httputil.WriteNotFoundError(w, "repository not found")
		return
	}
	if errors.Is(err, github.ErrMissingToken) {
		httputil.WriteServiceUnavailable(w, "GitHub access is not configured")
		return
	}
	if err != nil {
		s.logger.WithError(err).Errorf("failed to get repo stats for %s", fullName)
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, rs)
}

// getOrgRepoStats returns the GitHub aggregate across the configured
// repository list.
func (s *Server) getOrgRepoStats(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrg(w, r) {
		return
	}
	if len(s.repos) == 0 {
		httputil.WriteNotFoundError(w, "no repositories configured")
		return
	}

	rs, err := s.service.GetOrgRepoStats(r.Context(), s.repos)
	if err != nil {
		s.logger.WithError(err).Error("failed to get org repo stats")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, rs)
}

// triggerRefresh starts a full batch refresh in the background and returns
// immediately. The refresh outlives the request.
func (s *Server) triggerRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrg(w, r) {
		return
	}

	async.SafeGo(context.Background(), refreshTimeout, "manual-refresh", s.logger, func(ctx context.Context) error {
		_, err := s.orchestrator.RefreshAll(ctx)
		return err
	})

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "refresh started",
	})
}

// registerLegacyRequest is the body for legacy package registration.
type registerLegacyRequest struct {
	Name    string `json:"name"`
	Library string `json:"library,omitempty"`
}

// registerLegacyPackage adds a package outside the org scope to the
// tracked set. Its downloads count toward the org rollup.
func (s *Server) registerLegacyPackage(w http.ResponseWriter, r *http.Request) {
	var req registerLegacyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		httputil.WriteBadRequest(w, "package name is required")
		return
	}

	pkg, err := s.orchestrator.RegisterLegacy(r.Context(), req.Name, strings.TrimSpace(req.Library))
	if err != nil {
		s.logger.WithError(err).Errorf("failed to register legacy package %s", req.Name)
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, pkg)
}

// healthz reports liveness and storage connectivity.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "ok",
		"org":     s.service.Org(),
		"uptime":  time.Since(s.startedAt).Truncate(time.Second).String(),
		"storage": "ok",
	}

	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.logger.WithError(err).Warn("storage health check failed")
			body["status"] = "degraded"
			body["storage"] = "unavailable"
			httputil.WriteJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	httputil.WriteSuccess(w, body)
}

// checkOrg rejects requests for organizations this instance does not
// track. One deployment tracks exactly one org.
func (s *Server) checkOrg(w http.ResponseWriter, r *http.Request) bool {
	org := strings.TrimPrefix(mux.Vars(r)["org"], "@")
	if org != s.service.Org() {
		httputil.WriteNotFoundError(w, "organization not tracked")
		return false
	}
	return true
}
