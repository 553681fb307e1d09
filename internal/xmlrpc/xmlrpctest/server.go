// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package xmlrpctest runs fake XML-RPC servers for unit tests.
package xmlrpctest

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"go.chromium.org/labtest/internal/xmlrpc"
)

// Handler serves one method. Returning an xmlrpc.FaultError sends a fault;
// any other error sends a fault with code 1.
type Handler func(args []interface{}) (interface{}, error)

// Call is a recorded request.
type Call struct {
	Method string
	Args   []interface{}
}

// Server is a fake XML-RPC server.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

// NewServer starts a server. It is shut down when the test ends.
func NewServer(t *testing.T) *Server {
	s := &Server{handlers: make(map[string]Handler)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HostPort returns the listening address split for xmlrpc.New.
func (s *Server) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

// Client returns a client connected to s.
func (s *Server) Client() *xmlrpc.XMLRpc {
	return xmlrpc.New(s.HostPort())
}

// Calls returns the requests received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	method, args, err := xmlrpc.DecodeCall(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
	h, ok := s.handlers[method]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/xml")
	if !ok {
		w.Write(xmlrpc.EncodeFault(xmlrpc.FaultError{Code: 1, Reason: "<class 'Exception'>:method \"" + method + "\" is not supported"}))
		return
	}
	v, err := h(args)
	if err != nil {
		fe, isFault := err.(xmlrpc.FaultError)
		if !isFault {
			fe = xmlrpc.FaultError{Code: 1, Reason: err.Error()}
		}
		w.Write(xmlrpc.EncodeFault(fe))
		return
	}
	body, err := xmlrpc.EncodeResponse(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(body)
}
