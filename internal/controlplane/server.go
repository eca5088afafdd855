package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/schuttebj/ryvr-sub001/internal/graph"
	"github.com/schuttebj/ryvr-sub001/internal/ledger"
	"github.com/schuttebj/ryvr-sub001/internal/lifecycle"
	"github.com/schuttebj/ryvr-sub001/internal/models"
	"github.com/schuttebj/ryvr-sub001/internal/store"
)

// Server provides the HTTP API for the engine.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Task endpoints
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	// Credit endpoints
	mux.HandleFunc("/credits/topup", s.handleTopup)
	mux.HandleFunc("/credits/", s.handleCreditsByAccount)

	// Engine status
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.service.Stats())
	})

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting ryvr control plane on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req lifecycle.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		task, err := s.service.CreateTask(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	case http.MethodGet:
		status := models.TaskStatus(r.URL.Query().Get("status"))
		owner := r.URL.Query().Get("owner")
		tasks, err := s.service.ListTasks(status, owner)
		if err != nil {
			writeErr(w, err)
			return
		}
		if tasks == nil {
			tasks = []models.Task{}
		}
		writeJSON(w, http.StatusOK, tasks)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id} and /tasks/{id}/{action}
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.service.GetTask(taskID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "submit" && r.Method == http.MethodPost:
		s.transition(w, r, taskID, s.service.SubmitTask)
	case action == "approve" && r.Method == http.MethodPost:
		s.transition(w, r, taskID, s.service.ApproveTask)
	case action == "cancel" && r.Method == http.MethodPost:
		s.transition(w, r, taskID, s.service.CancelTask)
	case action == "logs" && r.Method == http.MethodGet:
		entries, err := s.service.TaskLogs(taskID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if entries == nil {
			entries = []models.TaskLogEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	case action == "priority" && r.Method == http.MethodPost:
		var body struct {
			Priority int `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		task, err := s.service.SetPriority(taskID, body.Priority)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "dependencies" && r.Method == http.MethodPost:
		var body struct {
			Dependencies []string `json:"dependencies"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		task, err := s.service.SetDependencies(taskID, body.Dependencies)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, taskID string, op func(context.Context, string) (*models.Task, error)) {
	task, err := op(r.Context(), taskID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTopup handles POST /credits/topup
func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		AccountID string `json:"account_id"`
		Amount    int    `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	entry, err := s.service.Topup(body.AccountID, body.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleCreditsByAccount handles /credits/{account}/balance and /credits/{account}/ledger
func (s *Server) handleCreditsByAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/credits/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" {
		http.Error(w, "account id required", http.StatusBadRequest)
		return
	}

	accountID := parts[0]
	switch parts[1] {
	case "balance":
		balance, err := s.service.Balance(accountID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"account_id": accountID, "balance": balance})
	case "ledger":
		entries, err := s.service.LedgerEntries(accountID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if entries == nil {
			entries = []models.CreditLedgerEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps engine errors to HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrTaskNotFound) || errors.Is(err, lifecycle.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientCredit):
		status = http.StatusPaymentRequired
	case errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrTaskNotMutable):
		status = http.StatusConflict
	case errors.Is(err, models.ErrValidation) || errors.Is(err, graph.ErrCycleDetected) ||
		errors.Is(err, graph.ErrUnknownDependency) || errors.Is(err, ErrAccountMissing) || errors.Is(err, ErrBadRequest):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
