// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package reporting writes the result files of a test module: results.json,
// JUnit XML, the binary report message and the retry log.
package reporting

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.chromium.org/labtest/errors"
)

// File names written into a results directory.
const (
	ResultsJSONFilename = "results.json"
	JUnitXMLFilename    = "results.xml"
	ReportProtoFilename = "report_proto.msg"
	RetryLogFilename    = "retry_log.txt"
)

// Result values of a Case.
const (
	ResultPass  = "PASS"
	ResultFail  = "FAIL"
	ResultSkip  = "SKIP"
	ResultError = "ERROR"
)

// Case is the outcome of one test case.
type Case struct {
	Name        string                `json:"test_name"`
	Class       string                `json:"test_class"`
	Begin       time.Time             `json:"begin_time"`
	End         time.Time             `json:"end_time"`
	Result      string                `json:"result"`
	Details     string                `json:"details,omitempty"`
	Extras      interface{}           `json:"extras,omitempty"`
	ExtraErrors map[string]string     `json:"extra_errors,omitempty"`
	Tables      map[string][][]string `json:"tables,omitempty"`
}

// Counts summarizes a module.
type Counts struct {
	Requested int `json:"requested"`
	Executed  int `json:"executed"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Error     int `json:"error"`
}

// Report holds everything written about one test module.
type Report struct {
	Module      string  `json:"module"`
	Counts      Counts  `json:"summary"`
	Cases       []*Case `json:"results"`
	ClassErrors []*Case `json:"class_errors,omitempty"`
}

// WriteResultsJSON writes rep to w as indented JSON.
func WriteResultsJSON(w io.Writer, rep *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// AppendRetryLog appends msg as a line to the retry log in dir.
func AppendRetryLog(dir, msg string) error {
	f, err := os.OpenFile(filepath.Join(dir, RetryLogFilename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open retry log")
	}
	if _, err := io.WriteString(f, msg+"\n"); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write retry log")
	}
	return f.Close()
}
