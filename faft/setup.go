// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import "sync"

// SetupLabel names a one-time setup step shared by all tests in a process.
type SetupLabel string

// Setup steps tracked across tests.
const (
	SetupGBBFlags SetupLabel = "gbb_flags"
	SetupReimage  SetupLabel = "reimage"
	SetupUSBCheck SetupLabel = "usb_check"
)

// SetupTracker records which one-time setup steps are done.
type SetupTracker struct {
	mu   sync.Mutex
	done map[SetupLabel]bool
}

// NewSetupTracker returns a tracker with nothing done.
func NewSetupTracker() *SetupTracker {
	return &SetupTracker{done: make(map[SetupLabel]bool)}
}

// globalSetup is shared by tests that do not supply their own tracker, so
// setup survives from one test to the next.
var globalSetup = NewSetupTracker()

// Done reports whether label is marked.
func (s *SetupTracker) Done(label SetupLabel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[label]
}

// Mark marks label done.
func (s *SetupTracker) Mark(label SetupLabel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[label] = true
}

// Unmark marks label not done.
func (s *SetupTracker) Unmark(label SetupLabel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[label] = false
}
