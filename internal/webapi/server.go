// Copyright 2025 Tetsuya Kimata. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webapi implements the HTTP/JSON surface the browser UI talks to.
// It is a thin layer over the engine handle; all behaviour lives in the
// engine.
package webapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/irrigation"
	"github.com/kimata/rasp-water/internal/irrigation/scheduler"
)

// Server handles the HTTP requests for the irrigation service.
type Server struct {
	engine *irrigation.Engine
	log    *zap.SugaredLogger
}

// NewServer creates an API server over the given engine handle.
func NewServer(engine *irrigation.Engine, log *zap.SugaredLogger) *Server {
	return &Server{engine: engine, log: log}
}

// RegisterRoutes sets up the HTTP routes for the server on the given
// ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/valve_ctrl", s.handleValveCtrl)
	mux.HandleFunc("/api/valve_flow", s.handleValveFlow)
	mux.HandleFunc("/api/schedule_ctrl", s.handleScheduleCtrl)
	mux.HandleFunc("/api/event", s.handleEvent)
}

// handleValveCtrl sets or reads the valve state. cmd=1 requests a change;
// anything else is a read.
func (s *Server) handleValveCtrl(w http.ResponseWriter, r *http.Request) {
	cmd := intArg(r, "cmd")
	state := intArg(r, "state")
	period := intArg(r, "period")
	auto := boolArg(r, "auto")

	if cmd == 1 {
		user := r.RemoteAddr
		rep := s.engine.SetValveState(state, float64(period), auto, user)
		writeJSON(w, map[string]interface{}{
			"cmd":    "set",
			"state":  rep.State,
			"remain": rep.Remain,
			"result": rep.Result,
		})
		return
	}

	rep := s.engine.GetValveState()
	writeJSON(w, map[string]interface{}{
		"cmd":    "get",
		"state":  rep.State,
		"remain": rep.Remain,
		"result": rep.Result,
	})
}

// handleValveFlow reads the current flow.
func (s *Server) handleValveFlow(w http.ResponseWriter, r *http.Request) {
	rep := s.engine.GetFlow()
	writeJSON(w, map[string]interface{}{
		"cmd":    "get",
		"flow":   rep.Flow,
		"result": rep.Result,
	})
}

// handleScheduleCtrl reads or replaces the schedule set. A replacement is
// the full pair; partial updates are rejected by validation.
func (s *Server) handleScheduleCtrl(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var entries []scheduler.Entry
		if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
			http.Error(w, fmt.Sprintf("malformed schedule: %s", err), http.StatusBadRequest)
			return
		}
		if err := s.engine.ScheduleReplace(entries); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	writeJSON(w, s.engine.ScheduleLoad())
}

// handleEvent streams control events as server-sent events so the UI can
// repaint after every accepted operation.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events := s.engine.ControlEvents()
	for {
		select {
		case <-events:
			fmt.Fprintf(w, "data: control\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func intArg(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}

func boolArg(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	if err != nil {
		return false
	}
	return v
}
