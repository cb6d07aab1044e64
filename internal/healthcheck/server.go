// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package healthcheck serves liveness, readiness and feed health probes for
// a periodically running change feed.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardinalhq/bucketfeed/internal/changefeed"
)

// RunStatus summarizes the most recent run.
type RunStatus struct {
	RunID     int64     `json:"runID"`
	State     string    `json:"state"`
	Skipped   bool      `json:"skipped,omitempty"`
	Finished  time.Time `json:"finished"`
	New       int       `json:"new"`
	Failed    int       `json:"failed"`
	Watermark time.Time `json:"watermark"`
}

type Response struct {
	Healthy     bool       `json:"healthy"`
	LastRun     *RunStatus `json:"lastRun,omitempty"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
}

type Config struct {
	Port int
	// StaleAfter marks the feed unhealthy when no run has reached DONE for
	// this long. Zero disables the check.
	StaleAfter time.Duration
}

type Server struct {
	cfg     Config
	now     func() time.Time
	stopped atomic.Bool

	mu          sync.RWMutex
	last        *RunStatus
	lastSuccess time.Time

	server *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8090
	}
	return &Server{cfg: cfg, now: time.Now}
}

// RecordRun updates the probes from a finished run. A nil report, from a
// run that could not even start, counts as a failure.
func (s *Server) RecordRun(rep *changefeed.Report) {
	st := &RunStatus{State: changefeed.StateFailed.String(), Finished: s.now()}
	if rep != nil {
		st.RunID = rep.RunID
		st.State = rep.State.String()
		st.Skipped = rep.Skipped
		st.New = len(rep.New)
		st.Failed = len(rep.Failed)
		st.Watermark = rep.WatermarkAfter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = st
	if st.State == changefeed.StateDone.String() {
		s.lastSuccess = st.Finished
	}
	slog.Debug("Health status updated", slog.String("state", st.State))
}

// SetStopped makes the liveness probe fail.
func (s *Server) SetStopped() {
	s.stopped.Store(true)
}

func (s *Server) snapshot() Response {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := Response{}
	if s.last != nil {
		last := *s.last
		resp.LastRun = &last
	}
	if !s.lastSuccess.IsZero() {
		ls := s.lastSuccess
		resp.LastSuccess = &ls
	}
	resp.Healthy = resp.LastRun != nil &&
		resp.LastRun.State == changefeed.StateDone.String() &&
		(s.cfg.StaleAfter == 0 || s.now().Sub(s.lastSuccess) <= s.cfg.StaleAfter)
	return resp
}

// IsReady reports whether at least one run has finished.
func (s *Server) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last != nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/readyz", s.readyzHandler)
	mux.HandleFunc("/livez", s.livezHandler)
	return mux
}

// Start serves the probes until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("Starting health check server", slog.Int("port", s.cfg.Port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health check server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	slog.Info("Stopping health check server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	resp := s.snapshot()
	writeResponse(w, resp.Healthy, resp)
}

func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	ready := s.IsReady()
	writeResponse(w, ready, Response{Healthy: ready})
}

func (s *Server) livezHandler(w http.ResponseWriter, _ *http.Request) {
	alive := !s.stopped.Load()
	writeResponse(w, alive, Response{Healthy: alive})
}

func writeResponse(w http.ResponseWriter, ok bool, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode health check response", slog.Any("error", err))
	}
}
