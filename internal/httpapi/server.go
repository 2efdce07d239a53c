// Package httpapi exposes the updater over HTTP for the admin UI.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/keukalabs/updaterd/internal/api"
	"github.com/keukalabs/updaterd/internal/updater"
	"github.com/keukalabs/updaterd/internal/version"
)

// UpdateManager is what the handlers need from the update orchestrator.
type UpdateManager interface {
	Start() bool
	Cancel()
	Status() updater.Status
}

// Versioner resolves local and remote commits for the version endpoint.
type Versioner interface {
	LocalCommitWithSource(root string) (string, string)
	RemoteCommit(ctx context.Context, repoURL string) (string, error)
}

type Server struct {
	upd     UpdateManager
	res     Versioner
	repoURL string
	appRoot string
	log     *log.Entry
}

func NewServer(upd UpdateManager, res Versioner, repoURL, appRoot string) *Server {
	return &Server{
		upd:     upd,
		res:     res,
		repoURL: repoURL,
		appRoot: appRoot,
		log:     log.WithField("component", "httpapi"),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/admin/update/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/admin/update/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/admin/update/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/admin/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	started := s.upd.Start()
	if !started {
		s.log.Info("start rejected, update already running")
	}
	writeJSON(w, api.StartResponse{Started: started})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.upd.Cancel()
	writeJSON(w, api.CancelResponse{Canceled: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.upd.Status()

	logs := st.Lines
	if len(logs) > api.MaxStatusLogLines {
		logs = logs[len(logs)-api.MaxStatusLogLines:]
	}
	if logs == nil {
		logs = []string{}
	}

	writeJSON(w, api.StatusResponse{
		State:         string(st.State),
		Logs:          logs,
		StartedAt:     unixSeconds(st.StartedAt),
		FinishedAt:    unixSeconds(st.FinishedAt),
		StartedAtISO:  isoUTC(st.StartedAt),
		FinishedAtISO: isoUTC(st.FinishedAt),
	})
}

// handleVersion computes everything fresh on each call; the UI polls it right
// after an apply, when any cached answer would be stale.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	local, localSource := s.res.LocalCommitWithSource(s.appRoot)

	resp := api.VersionResponse{
		Local:       local,
		LocalShort:  version.ShortSHA(local),
		LocalSource: localSource,
	}

	remote, err := s.res.RemoteCommit(r.Context(), s.repoURL)
	if err != nil {
		resp.Error = "remote: " + err.Error()
	}
	resp.Remote = remote
	resp.RemoteShort = version.ShortSHA(remote)
	resp.UpToDate = local != "" && remote != "" && local == remote

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func unixSeconds(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	s := float64(t.UnixMilli()) / 1000
	return &s
}

func isoUTC(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
