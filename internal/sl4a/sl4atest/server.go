// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sl4atest runs fake SL4A servers for unit tests.
package sl4atest

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/labtest/internal/sl4a"
)

// eventWaitSlice bounds how long eventWait blocks in real time before
// returning no event.
const eventWaitSlice = 50 * time.Millisecond

// Handler serves one method. params are decoded with encoding/json, so
// numbers are float64. A returned error is sent as an RPC error.
type Handler func(params []interface{}) (interface{}, error)

// Call is a recorded request.
type Call struct {
	Method string
	Params []interface{}
}

// Server is a fake SL4A server with a single session. eventWait is built
// in and returns events added with PostEvent.
type Server struct {
	t  *testing.T
	ls net.Listener

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
	events   []sl4a.Event
	posted   chan struct{} // closed and replaced by PostEvent
	now      int64
	reject   bool
}

// NewServer starts a server. It is shut down when the test ends.
func NewServer(t *testing.T) *Server {
	ls, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Failed to listen: ", err)
	}
	s := &Server{
		t:        t,
		ls:       ls,
		handlers: make(map[string]Handler),
		posted:   make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(func() { ls.Close() })
	return s
}

// Addr returns the address to dial.
func (s *Server) Addr() string { return s.ls.Addr().String() }

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Reply makes method return v.
func (s *Server) Reply(method string, v interface{}) {
	s.Handle(method, func([]interface{}) (interface{}, error) { return v, nil })
}

// RejectSessions makes session commands fail.
func (s *Server) RejectSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = true
}

// PostEvent queues an event for eventWait. It may be called from handlers.
func (s *Server) PostEvent(name string, data interface{}) {
	b, err := json.Marshal(data)
	if err != nil {
		s.t.Error("PostEvent: ", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now++
	s.events = append(s.events, sl4a.Event{Name: name, Data: b, Time: s.now})
	close(s.posted)
	s.posted = make(chan struct{})
}

// Calls returns the requests received so far, except eventWait.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Methods returns the names of Calls.
func (s *Server) Methods() []string {
	var ms []string
	for _, c := range s.Calls() {
		ms = append(ms, c.Method)
	}
	return ms
}

// Device connects a sl4a.Device to s. It is closed when the test ends.
func (s *Server) Device(ctx context.Context, serial string, clk clock.Clock) *sl4a.Device {
	droid, err := sl4a.Dial(ctx, s.Addr(), sl4a.WithClock(clk))
	if err != nil {
		s.t.Fatal("Dial failed: ", err)
	}
	d, err := sl4a.NewDevice(ctx, serial, droid, nil, clk)
	if err != nil {
		s.t.Fatal("NewDevice failed: ", err)
	}
	s.t.Cleanup(func() { d.Close() })
	return d
}

func (s *Server) serve() {
	for {
		conn, err := s.ls.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

type message struct {
	Cmd    string        `json:"cmd"`
	UID    int           `json:"uid"`
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	enc := json.NewEncoder(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var m message
		if err := json.Unmarshal(line, &m); err != nil {
			return
		}
		var res interface{}
		if m.Cmd != "" {
			res = s.session(m)
		} else {
			res = s.call(m)
		}
		if err := enc.Encode(res); err != nil {
			return
		}
	}
}

func (s *Server) session(m message) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return map[string]interface{}{"status": false, "uid": m.UID}
	}
	return map[string]interface{}{"status": true, "uid": 1}
}

func (s *Server) call(m message) interface{} {
	if m.Method == "eventWait" {
		return map[string]interface{}{"id": m.ID, "result": s.eventWait(), "error": nil}
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: m.Method, Params: m.Params})
	h, ok := s.handlers[m.Method]
	s.mu.Unlock()

	if !ok {
		return map[string]interface{}{"id": m.ID, "result": nil, "error": "Unknown RPC: " + m.Method}
	}
	v, err := h(m.Params)
	if err != nil {
		return map[string]interface{}{"id": m.ID, "result": nil, "error": err.Error()}
	}
	return map[string]interface{}{"id": m.ID, "result": v, "error": nil}
}

func (s *Server) eventWait() *sl4a.Event {
	tm := time.NewTimer(eventWaitSlice)
	defer tm.Stop()
	for {
		s.mu.Lock()
		if len(s.events) > 0 {
			ev := s.events[0]
			s.events = s.events[1:]
			s.mu.Unlock()
			return &ev
		}
		ch := s.posted
		s.mu.Unlock()
		select {
		case <-ch:
		case <-tm.C:
			return nil
		}
	}
}
