// Package server exposes a Scheduler over HTTP: request admission and
// cancellation, status snapshots, per-request result streams and the
// Prometheus metrics endpoint.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/chunked-prefill/sim"
)

const defaultStreamPoll = 5 * time.Millisecond

// Server serves one Scheduler. The Scheduler's loop (Run) is driven by the
// caller.
type Server struct {
	sched    *sim.Scheduler
	gatherer prometheus.Gatherer
	poll     time.Duration
}

// NewServer creates a Server. A nil gatherer disables /metrics.
func NewServer(sched *sim.Scheduler, gatherer prometheus.Gatherer) *Server {
	return &Server{sched: sched, gatherer: gatherer, poll: defaultStreamPoll}
}

// GenerateRoutes builds the gin router.
func (s *Server) GenerateRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/requests", s.SubmitHandler)
	r.GET("/api/requests/:id", s.StatusHandler)
	r.DELETE("/api/requests/:id", s.CancelHandler)
	r.GET("/api/requests/:id/stream", s.StreamHandler)
	r.GET("/api/stats", s.StatsHandler)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func (s *Server) SubmitHandler(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r := &sim.Request{
		ID:       req.ID,
		Tokens:   req.Tokens,
		Priority: req.Priority,
		Stop:     sim.StopCondition{MaxTokens: req.MaxTokens, StopTokens: req.StopTokens},
	}
	if err := s.sched.SubmitRequest(r); err != nil {
		c.AbortWithStatusJSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, SubmitResponse{ID: r.ID})
}

func (s *Server) StatusHandler(c *gin.Context) {
	r, ok := s.sched.Request(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	c.JSON(http.StatusOK, statusOf(r))
}

// CancelHandler cancels a live request. On a request that already ended it
// drops the record instead and returns its final status.
func (s *Server) CancelHandler(c *gin.Context) {
	id := c.Param("id")
	r, ok := s.sched.Request(id)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	if r.State.Terminal() {
		s.sched.Forget(id)
		c.JSON(http.StatusOK, statusOf(r))
		return
	}
	if err := s.sched.Cancel(id); err != nil {
		c.AbortWithStatusJSON(statusCode(err), gin.H{"error": err.Error()})
		return
	}
	r, _ = s.sched.Request(id)
	c.JSON(http.StatusOK, statusOf(r))
}

func (s *Server) StatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.Stats())
}

// StreamHandler writes the request's outputs as ndjson while it runs and
// ends with a Done line once it is terminal.
func (s *Server) StreamHandler(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.sched.Request(id); !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	enc := func(w io.Writer, v StreamChunk) bool {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logrus.Debugf("stream %s: write failed: %v", id, err)
			return false
		}
		return true
	}
	flush := func(w io.Writer) bool {
		for out := range s.sched.Results(id) {
			if !enc(w, StreamChunk{Start: out.Start, Token: out.Token, Logits: out.Logits}) {
				return false
			}
		}
		return true
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	c.Stream(func(w io.Writer) bool {
		if !flush(w) {
			return false
		}
		r, ok := s.sched.Request(id)
		if !ok || r.State.Terminal() {
			// outputs applied together with the terminal transition
			if !flush(w) {
				return false
			}
			var st *RequestStatus
			if ok {
				v := statusOf(r)
				st = &v
			}
			enc(w, StreamChunk{Done: true, Status: st})
			return false
		}
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
			return true
		}
	})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, sim.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, sim.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, sim.ErrEmptyPrompt):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
