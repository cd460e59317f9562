package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sjy-dv/vforge/admission"
	"github.com/sjy-dv/vforge/core"
	"github.com/sjy-dv/vforge/jobstore"
)

// Gateway is the HTTP surface of the build service. Build submissions go
// through the admission controller; status queries read the job store only
// and never block on pipeline execution.
type Gateway struct {
	controller *admission.Controller
	store      jobstore.Store
	server     *http.Server

	authUser string
	authPass string
}

type Options struct {
	Addr string
	// BasicAuthUser/Pass enable basic authentication when both are set.
	BasicAuthUser string
	BasicAuthPass string
}

func New(controller *admission.Controller, store jobstore.Store, opts Options) *Gateway {
	g := &Gateway{
		controller: controller,
		store:      store,
		authUser:   opts.BasicAuthUser,
		authPass:   opts.BasicAuthPass,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /_build", g.handleBuild)
	mux.HandleFunc("GET /_status/{job_id}", g.handleStatus)
	mux.HandleFunc("GET /_jobs", g.handleJobs)
	mux.HandleFunc("GET /_heart_beat", g.handleHeartBeat)
	g.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           g.authenticate(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler exposes the routing chain for tests.
func (g *Gateway) Handler() http.Handler { return g.server.Handler }

func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Msg("gateway listening")
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.authUser != "" || g.authPass != "" {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(g.authUser)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(g.authPass)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="vforge"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	TaskStatus   core.JobStatus `json:"task_status"`
	IndexPath    *string        `json:"index_path"`
	ErrorMessage *string        `json:"error_message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (g *Gateway) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req core.BuildRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
		return
	}

	job, err := g.controller.Admit(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("vector_path", req.VectorPath).Msg("build request rejected")
		writeError(w, admissionStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, createJobResponse{JobID: job.ID})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := g.store.Get(r.PathValue("job_id"))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusBody(job))
}

func (g *Gateway) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := g.store.Jobs()
	out := make(map[string]statusResponse, len(jobs))
	for _, job := range jobs {
		out[job.ID] = statusBody(job)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleHeartBeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func statusBody(job core.Job) statusResponse {
	resp := statusResponse{TaskStatus: job.Status}
	if job.IndexPath != "" {
		resp.IndexPath = &job.IndexPath
	}
	if job.ErrorMessage != "" {
		resp.ErrorMessage = &job.ErrorMessage
	}
	return resp
}

func admissionStatusCode(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrInsufficientResources):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
