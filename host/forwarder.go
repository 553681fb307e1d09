// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"io"
	"net"
	"sync"
)

// Forwarder accepts local TCP connections and pipes each to a connection
// opened by a dial function.
type Forwarder struct {
	dial func() (net.Conn, error)
	ls   net.Listener

	mu      sync.Mutex
	errFunc func(error) // nil after Close
}

// NewForwarder starts listening on localAddr. errFunc, which may be nil,
// receives errors of individual connections.
func NewForwarder(localAddr string, dial func() (net.Conn, error), errFunc func(error)) (*Forwarder, error) {
	ls, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, err
	}
	f := &Forwarder{dial: dial, ls: ls, errFunc: errFunc}
	go f.serve()
	return f, nil
}

func (f *Forwarder) serve() {
	for {
		local, err := f.ls.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := f.pipe(local); err != nil {
				f.mu.Lock()
				defer f.mu.Unlock()
				if f.errFunc != nil {
					f.errFunc(err)
				}
			}
		}()
	}
}

func (f *Forwarder) pipe(local net.Conn) error {
	defer local.Close()
	remote, err := f.dial()
	if err != nil {
		return err
	}
	defer remote.Close()

	errs := make(chan error, 2)
	cp := func(dst io.WriteCloser, src io.Reader) {
		_, err := io.Copy(dst, src)
		// Unblock the other direction.
		dst.Close()
		errs <- err
	}
	go cp(local, remote)
	go cp(remote, local)

	// The second copy fails on the closed connection; only the first result
	// is meaningful.
	first := <-errs
	<-errs
	return first
}

// LocalAddr returns the listening address.
func (f *Forwarder) LocalAddr() net.Addr {
	return f.ls.Addr()
}

// Close stops accepting connections.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	f.errFunc = nil
	f.mu.Unlock()
	return f.ls.Close()
}
