package web

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"modelqueue-worker/internal/queue"
	"modelqueue-worker/internal/status"
)

const defaultListLimit = 100

type statsResponse struct {
	Queue   string           `json:"queue"`
	Counts  map[string]int64 `json:"counts"`
	Stale   int64            `json:"stale"`
	Corrupt int64            `json:"corrupt"`
}

type enqueueRequest struct {
	// Payload is stored as its raw JSON text.
	Payload json.RawMessage `json:"payload"`
	// PayloadBase64 carries non-JSON payloads.
	PayloadBase64 string `json:"payload_base64"`
	Delay         string `json:"delay"`
}

type transitionRequest struct {
	State string `json:"state"`
	// Observed is the decimal status code the caller saw. When empty the
	// current code is read first.
	Observed string `json:"observed"`
}

type retryRequest struct {
	Delay string `json:"delay"`
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.backend.Stats(c.Request.Context(), s.now().Add(-s.staleAfter))
	if err != nil {
		s.fail(c, &queue.StoreError{Op: "stats", Err: err})
		return
	}
	resp := statsResponse{
		Queue:   s.queue.Options().Name,
		Counts:  make(map[string]int64, len(status.States)),
		Stale:   stats.Stale,
		Corrupt: stats.Corrupt,
	}
	for _, state := range status.States {
		resp.Counts[state.String()] = stats.Counts[state]
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListTasks(c *gin.Context) {
	opts := queue.ListOptions{Limit: defaultListLimit}
	if raw := c.Query("state"); raw != "" {
		state, err := status.ParseState(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opts.State = state
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = limit
	}
	views, err := queue.ListTasks(c.Request.Context(), s.backend, opts, s.staleAfter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views})
}

func (s *Server) handleGetTask(c *gin.Context) {
	view, err := queue.Inspect(c.Request.Context(), s.backend, c.Param("id"), s.staleAfter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload := []byte(req.Payload)
	if req.PayloadBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload_base64"})
			return
		}
		payload = decoded
	}
	runAt, ok := s.runAt(c, req.Delay)
	if !ok {
		return
	}
	id, err := queue.Enqueue(c.Request.Context(), s.backend, payload, runAt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleCancel(c *gin.Context) {
	var req transitionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.transition(c, status.Canceled, req.Observed)
}

func (s *Server) handleTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := status.ParseState(req.State)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.transition(c, state, req.Observed)
}

func (s *Server) transition(c *gin.Context, to status.State, rawObserved string) {
	id := c.Param("id")
	var observed status.Code
	if rawObserved != "" {
		parsed, err := status.Parse(rawObserved)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		observed = parsed
	} else {
		task, err := s.backend.Get(c.Request.Context(), id)
		if err != nil {
			if !errors.Is(err, queue.ErrNotFound) {
				err = &queue.StoreError{Op: "get", Err: err}
			}
			s.fail(c, err)
			return
		}
		observed = task.Status
	}

	code, err := s.queue.Transition(c.Request.Context(), id, observed, to)
	if errors.Is(err, queue.ErrConflict) && rawObserved != "" {
		// A CAS miss on a missing row looks like a conflict.
		if _, getErr := s.backend.Get(c.Request.Context(), id); errors.Is(getErr, queue.ErrNotFound) {
			err = getErr
		}
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "code": code.String(), "state": code.State()})
}

func (s *Server) handleRetry(c *gin.Context) {
	var req retryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	runAt, ok := s.runAt(c, req.Delay)
	if !ok {
		return
	}
	id, err := queue.Replay(c.Request.Context(), s.backend, c.Param("id"), runAt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "replay_of": c.Param("id")})
}

func (s *Server) runAt(c *gin.Context, delay string) (time.Time, bool) {
	now := s.now()
	if delay == "" {
		return now, true
	}
	d, err := time.ParseDuration(delay)
	if err != nil || d < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delay"})
		return time.Time{}, false
	}
	return now.Add(d), true
}

// fail maps queue errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, queue.ErrConflict), errors.Is(err, queue.ErrTerminal), errors.Is(err, queue.ErrNotTerminal):
		code = http.StatusConflict
	case errors.Is(err, queue.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
		s.logger.Error("Admin API store error", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
