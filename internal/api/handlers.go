// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/taskhost/internal/client"
	"github.com/tomtom215/taskhost/internal/server"
	"github.com/tomtom215/taskhost/internal/storage"
	"github.com/tomtom215/taskhost/internal/supervisor"
	"github.com/tomtom215/taskhost/internal/validation"
)

const (
	maxBodyBytes  = 1 << 20
	healthTimeout = 2 * time.Second
)

// Backend is the running server the API reports on and administers.
type Backend interface {
	ServerID() string
	State() supervisor.State
	Storage() storage.JobStorage
	Queues() []*server.Queue
	AddQueue(ctx context.Context, q *server.Queue) (bool, error)
}

// Handler holds the HTTP handlers.
type Handler struct {
	backend Backend
	client  *client.Client
}

func NewHandler(b Backend) *Handler {
	return &Handler{backend: b, client: client.New(b.Storage())}
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func decode(rw *ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(rw.w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return false
	}
	if verr := validation.ValidateStruct(dst); verr != nil {
		rw.ValidationError(verr.Error(), verr.Fields)
		return false
	}
	return true
}

type healthResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"server_id"`
	State    string `json:"state"`
	Storage  string `json:"storage"`
}

// Health answers 200 when storage is reachable, 503 otherwise.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	js := h.backend.Storage()
	resp := healthResponse{
		Status:   "ok",
		ServerID: h.backend.ServerID(),
		State:    h.backend.State().String(),
		Storage:  js.String(),
	}
	if err := storage.UseConnection(ctx, js, func(storage.Connection) error { return nil }); err != nil {
		rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "storage unreachable", resp)
		return
	}
	rw.Success(resp)
}

// Servers lists every server registered in storage.
func (h *Handler) Servers(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()
	servers, err := storage.Query(ctx, h.backend.Storage(), func(conn storage.Connection) ([]storage.ServerRecord, error) {
		return conn.Servers(ctx)
	})
	if err != nil {
		rw.StorageError(err)
		return
	}
	rw.Success(servers)
}

type queueView struct {
	Name         string `json:"name"`
	MaxWorkers   int    `json:"max_workers"`
	BoundWorkers int    `json:"bound_workers"`
	Length       int64  `json:"length"`
}

// Queues lists this server's queues with their current length.
func (h *Handler) Queues(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()
	queues := h.backend.Queues()
	views := make([]queueView, len(queues))
	err := storage.UseConnection(ctx, h.backend.Storage(), func(conn storage.Connection) error {
		for i, q := range queues {
			n, err := conn.QueueLength(ctx, q.Name())
			if err != nil {
				return err
			}
			views[i] = queueView{
				Name:         q.Name(),
				MaxWorkers:   q.MaxWorkers(),
				BoundWorkers: len(q.BoundWorkers()),
				Length:       n,
			}
		}
		return nil
	})
	if err != nil {
		rw.StorageError(err)
		return
	}
	rw.Success(views)
}

type addQueueRequest struct {
	Name       string `json:"name" validate:"required,queuename"`
	MaxWorkers int    `json:"max_workers" validate:"gte=0"`
}

type addQueueResponse struct {
	Name  string `json:"name"`
	Added bool   `json:"added"`
}

// AddQueue adds a queue to the running server. 201 when added, 200 when a
// queue of that name already existed.
func (h *Handler) AddQueue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req addQueueRequest
	if !decode(rw, r, &req) {
		return
	}
	q, err := server.NewQueue(req.Name, req.MaxWorkers)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	added, err := h.backend.AddQueue(r.Context(), q)
	if err != nil {
		if errors.Is(err, supervisor.ErrServerStopped) {
			rw.ServiceUnavailable("server is stopping")
			return
		}
		rw.StorageError(err)
		return
	}
	resp := addQueueResponse{Name: q.Name(), Added: added}
	if added {
		rw.Created(resp)
		return
	}
	rw.Success(resp)
}

type enqueueRequest struct {
	Type         string          `json:"type" validate:"required,max=200"`
	Queue        string          `json:"queue" validate:"omitempty,queuename"`
	Args         json.RawMessage `json:"args"`
	DelaySeconds int             `json:"delay_seconds" validate:"gte=0"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

// EnqueueJob creates a job, scheduled when delay_seconds is set.
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req enqueueRequest
	if !decode(rw, r, &req) {
		return
	}

	var (
		id  string
		err error
	)
	if req.DelaySeconds > 0 {
		id, err = h.client.Schedule(r.Context(), req.Type, req.Args, req.Queue, time.Duration(req.DelaySeconds)*time.Second)
	} else {
		id, err = h.client.Enqueue(r.Context(), req.Type, req.Args, req.Queue)
	}
	if err != nil {
		rw.StorageError(err)
		return
	}
	rw.Created(enqueueResponse{ID: id})
}

// Job returns a job by id.
func (h *Handler) Job(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	job, err := h.client.Job(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrJobNotFound) {
		rw.NotFound("job not found")
		return
	}
	if err != nil {
		rw.StorageError(err)
		return
	}
	rw.Success(job)
}

// RecurringJobs lists recurring jobs.
func (h *Handler) RecurringJobs(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	all, err := h.client.RecurringJobs(r.Context())
	if err != nil {
		rw.StorageError(err)
		return
	}
	rw.Success(all)
}

type recurringRequest struct {
	Cron  string          `json:"cron" validate:"required,cronspec"`
	Type  string          `json:"type" validate:"required,max=200"`
	Queue string          `json:"queue" validate:"omitempty,queuename"`
	Args  json.RawMessage `json:"args"`
}

// PutRecurringJob adds or replaces the recurring job named in the path.
func (h *Handler) PutRecurringJob(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var req recurringRequest
	if !decode(rw, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.client.AddOrUpdateRecurring(r.Context(), id, req.Cron, req.Type, req.Args, req.Queue); err != nil {
		rw.StorageError(err)
		return
	}
	rw.Success(map[string]string{"id": id})
}

func (h *Handler) DeleteRecurringJob(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if err := h.client.RemoveRecurring(r.Context(), chi.URLParam(r, "id")); err != nil {
		rw.StorageError(err)
		return
	}
	rw.NoContent()
}
