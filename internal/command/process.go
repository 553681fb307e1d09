// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package command

import (
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo describes a running process.
type ProcessInfo struct {
	PID     int32
	PPID    int32
	Name    string
	Cmdline string
}

// processLister is swapped out in tests.
var processLister = func() ([]ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	var infos []ProcessInfo
	for _, p := range procs {
		info := ProcessInfo{PID: p.Pid}
		// Processes may exit while being inspected; keep whatever was read.
		info.PPID, _ = p.Ppid()
		info.Name, _ = p.Name()
		info.Cmdline, _ = p.Cmdline()
		infos = append(infos, info)
	}
	return infos, nil
}

// FindProcesses returns processes whose name or command line contains
// substr, sorted by PID.
func FindProcesses(substr string) ([]ProcessInfo, error) {
	infos, err := processLister()
	if err != nil {
		return nil, err
	}
	var matched []ProcessInfo
	for _, info := range infos {
		if strings.Contains(info.Name, substr) || strings.Contains(info.Cmdline, substr) {
			matched = append(matched, info)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].PID < matched[j].PID })
	return matched, nil
}

// TerminateChildren sends SIGTERM to direct children of ppid and returns how
// many were signalled.
func TerminateChildren(ppid int32) (int, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range procs {
		parent, err := p.Ppid()
		if err != nil || parent != ppid {
			continue
		}
		if p.Terminate() == nil {
			n++
		}
	}
	return n, nil
}
