// Package httpapi exposes the mesh execution pipeline over HTTP/JSON and a
// scoped WebSocket event stream, grounded on the teacher's
// cmd/explorer/server.go request/response conventions (writeJSON helper,
// logging middleware) and generalized from gorilla/mux to go-chi/chi/v5 per
// SPEC_FULL.md's ambient-stack wiring.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/intercooperative/planetary-mesh/core"
)

// TrackedJob records the local-node view of a job this server originated.
type TrackedJob struct {
	JobCID     string            `json:"job_cid"`
	Params     core.MeshJobParams `json:"params"`
	Status     string            `json:"status"`
	ReceiptCID string            `json:"receipt_cid,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Server wires the core mesh execution pipeline onto an HTTP surface.
type Server struct {
	router       chi.Router
	httpServer   *http.Server
	orchestrator *core.Orchestrator
	dag          *core.DagStore
	rep          *core.Engine
	hub          *Hub

	mu          sync.RWMutex
	originated  map[string]*TrackedJob
	announced   []core.MeshJobParams
	announcedMu sync.Mutex

	logger *logrus.Entry
}

// NewServer constructs a Server bound to addr.
func NewServer(addr string, orchestrator *core.Orchestrator, dag *core.DagStore, rep *core.Engine) *Server {
	s := &Server{
		orchestrator: orchestrator,
		dag:          dag,
		rep:          rep,
		hub:          NewHub(),
		originated:   make(map[string]*TrackedJob),
		logger:       logrus.WithField("component", "httpapi"),
	}
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	s.router = r
	s.routes()
	s.httpServer = &http.Server{Addr: addr, Handler: r}
	go s.hub.Run()
	return s
}

// Start blocks serving HTTP on the configured address.
func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }

func (s *Server) routes() {
	s.router.Post("/jobs", s.handleSubmitJob)
	s.router.Get("/jobs/originated", s.handleOriginated)
	s.router.Get("/jobs/available", s.handleAvailable)
	s.router.Get("/jobs/{id}/receipt_cid", s.handleReceiptCID)
	s.router.Get("/receipts/{cid}", s.handleReceipt)
	s.router.Post("/reputation/receipts", s.handleIngestReceipt)
	s.router.Get("/reputation/profiles/{did}", s.handleProfile)
	s.router.Get("/reputation/profiles/{did}/history", s.handleProfileHistory)
	s.router.Get("/reputation/leaderboard", s.handleLeaderboard)
	s.router.Get("/ws/org", s.handleWebsocket)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("httpapi: encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// handleSubmitJob accepts a MeshJobParams body, announces it over the mesh,
// and returns its job CID immediately; the caller polls
// GET /jobs/{id}/receipt_cid for completion.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var params core.MeshJobParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := params.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobCID, err := core.CIDOfCanonical(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	tracked := &TrackedJob{JobCID: jobCID, Params: params, Status: "submitted"}
	s.mu.Lock()
	s.originated[jobCID] = tracked
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		receipt, err := s.orchestrator.SubmitJob(ctx, params)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			tracked.Status = "failed"
			tracked.Error = err.Error()
			return
		}
		tracked.Status = string(receipt.Status)
		if len(receipt.AnchoredCIDs) > 0 {
			tracked.ReceiptCID = receipt.AnchoredCIDs[0]
		}
		s.hub.Broadcast(Event{Kind: "job_completed", JobCID: jobCID, Payload: receipt})
	}()

	writeJSON(w, tracked)
}

func (s *Server) handleOriginated(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TrackedJob, 0, len(s.originated))
	for _, t := range s.originated {
		out = append(out, t)
	}
	writeJSON(w, out)
}

// handleAvailable returns job announcements this node has observed as a
// prospective executor, populated by RecordAnnouncement.
func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	s.announcedMu.Lock()
	defer s.announcedMu.Unlock()
	writeJSON(w, s.announced)
}

// RecordAnnouncement appends an observed job announcement to the available
// list, bounded to the most recent 500 entries.
func (s *Server) RecordAnnouncement(params core.MeshJobParams) {
	s.announcedMu.Lock()
	defer s.announcedMu.Unlock()
	s.announced = append(s.announced, params)
	if len(s.announced) > 500 {
		s.announced = s.announced[len(s.announced)-500:]
	}
}

func (s *Server) handleReceiptCID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	t, ok := s.originated[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrJobNotFound)
		return
	}
	writeJSON(w, t)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	cidStr := chi.URLParam(r, "cid")
	node, ok := s.dag.Get(cidStr)
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrNotFound)
		return
	}
	var receipt core.ExecutionReceipt
	if err := core.DecodeCanonical(node.ContentBytes, &receipt); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, receipt)
}

func (s *Server) handleIngestReceipt(w http.ResponseWriter, r *http.Request) {
	var receipt core.ExecutionReceipt
	if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := receipt.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := core.VerifySignature(receipt.ExecutorDID, receipt.SignableBytes(), receipt.Signature); err != nil {
		writeError(w, http.StatusBadRequest, core.ErrSignatureInvalid)
		return
	}
	s.rep.IngestReceipt(receipt, time.Now().UTC())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	p, ok := s.rep.Profile(did)
	if !ok {
		writeError(w, http.StatusNotFound, core.ErrNotFound)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleProfileHistory(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	writeJSON(w, s.rep.History(did))
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.rep.Leaderboard())
}
