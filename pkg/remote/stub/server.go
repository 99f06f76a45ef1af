// Package stub is an in-process stand-in for the portal API. It accepts the
// same endpoints as the real backend and deduplicates on the idempotency key.
package stub

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/zoff-tech/offline-sync/pkg/remote"
	"github.com/zoff-tech/offline-sync/schema"
)

const (
	maxFormMemory  = 32 << 20
	ReplayedHeader = "Idempotent-Replayed"
)

// Record is one request the stub received.
type Record struct {
	Endpoint       string
	IdempotencyKey string
	Status         int
	Replayed       bool
	Fields         map[string]string
	Files          map[string][]byte
	Body           []byte
}

type Server struct {
	token  string
	logger logrus.FieldLogger

	mu       sync.Mutex
	failWith int
	seen     map[string]string // idempotency key -> resource id
	received []Record
}

func NewServer(token string, logger logrus.FieldLogger) *Server {
	return &Server{
		token:  token,
		logger: logger,
		seen:   make(map[string]string),
	}
}

// FailWith makes every mutating request answer with status. Zero restores normal behaviour.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = status
}

// Received returns every mutating request seen so far.
func (s *Server) Received() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.received...)
}

// Accepted counts requests to endpoint that created a resource.
func (s *Server) Accepted(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.received {
		if rec.Endpoint == endpoint && !rec.Replayed && rec.Status == http.StatusCreated {
			n++
		}
	}
	return n
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(remote.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc(remote.CheckInPath, s.handleJSON(schema.KindCheckIn, func() any { return &schema.CheckIn{} })).Methods(http.MethodPost)
	api.HandleFunc(remote.CheckOutPath, s.handleJSON(schema.KindCheckOut, func() any { return &schema.CheckOut{} })).Methods(http.MethodPost)
	api.HandleFunc(remote.ComplaintPath, s.handleComplaint).Methods(http.MethodPost)
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleJSON(kind schema.Kind, newPayload func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		rec := Record{Endpoint: r.URL.Path, IdempotencyKey: r.Header.Get(remote.IdempotencyHeader), Body: body}

		payload := newPayload()
		if err := json.Unmarshal(body, payload); err != nil {
			s.reject(w, rec, http.StatusBadRequest, "malformed payload")
			return
		}
		if err := schema.ValidatePayload(kind, payload); err != nil {
			s.reject(w, rec, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.accept(w, rec)
	}
}

func (s *Server) handleComplaint(w http.ResponseWriter, r *http.Request) {
	rec := Record{Endpoint: r.URL.Path, IdempotencyKey: r.Header.Get(remote.IdempotencyHeader)}

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		s.reject(w, rec, http.StatusBadRequest, "malformed form")
		return
	}

	rec.Fields = make(map[string]string)
	for name, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			rec.Fields[name] = values[0]
		}
	}
	rec.Files = make(map[string][]byte)
	for name, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		f, err := headers[0].Open()
		if err != nil {
			s.reject(w, rec, http.StatusBadRequest, "unreadable attachment")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.reject(w, rec, http.StatusBadRequest, "unreadable attachment")
			return
		}
		rec.Files[name] = data
	}

	anonymous, _ := strconv.ParseBool(rec.Fields["anonymous"])
	complaint := schema.Complaint{
		Category:    rec.Fields["category"],
		Description: rec.Fields["description"],
		Anonymous:   anonymous,
	}
	if err := schema.ValidatePayload(schema.KindComplaint, complaint); err != nil {
		s.reject(w, rec, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.accept(w, rec)
}

func (s *Server) reject(w http.ResponseWriter, rec Record, status int, msg string) {
	s.mu.Lock()
	rec.Status = status
	s.received = append(s.received, rec)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"endpoint": rec.Endpoint, "status": status}).Info(msg)
	http.Error(w, msg, status)
}

func (s *Server) accept(w http.ResponseWriter, rec Record) {
	s.mu.Lock()
	if rec.IdempotencyKey == "" {
		s.mu.Unlock()
		s.reject(w, rec, http.StatusBadRequest, "missing "+remote.IdempotencyHeader)
		return
	}
	if s.failWith != 0 {
		status := s.failWith
		s.mu.Unlock()
		s.reject(w, rec, status, http.StatusText(status))
		return
	}

	id, replayed := s.seen[rec.IdempotencyKey]
	if !replayed {
		id = uuid.NewString()
		s.seen[rec.IdempotencyKey] = id
	}
	rec.Replayed = replayed
	rec.Status = http.StatusCreated
	if replayed {
		rec.Status = http.StatusOK
	}
	s.received = append(s.received, rec)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"endpoint":        rec.Endpoint,
		"idempotency_key": rec.IdempotencyKey,
		"replayed":        replayed,
	}).Info("accepted")

	w.Header().Set("Content-Type", "application/json")
	if replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	w.WriteHeader(rec.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}
