// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/hashicorp/go-multierror"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/runner/reporting"
)

// Result is the outcome of a test case.
type Result string

// Test case outcomes.
const (
	ResultPass  Result = reporting.ResultPass
	ResultFail  Result = reporting.ResultFail
	ResultSkip  Result = reporting.ResultSkip
	ResultError Result = reporting.ResultError
)

// classRecordName names the record that stands for a whole test class.
const classRecordName = "setup_class"

// Record holds the outcome of one test case.
type Record struct {
	TestName  string
	TestClass string
	BeginTime time.Time
	EndTime   time.Time
	Result    Result
	Details   string
	Extras    interface{}
	// ExtraErrors maps a procedure name to the error it returned.
	ExtraErrors map[string]string
	Tables      map[string][][]string

	clk clock.Clock
}

// NewRecord returns a record for a test that has not begun.
func NewRecord(name, class string) *Record {
	return newRecord(name, class, clock.NewClock())
}

func newRecord(name, class string, clk clock.Clock) *Record {
	return &Record{TestName: name, TestClass: class, clk: clk}
}

func (r *Record) now() time.Time {
	if r.clk == nil {
		return time.Now()
	}
	return r.clk.Now()
}

// TestBegin marks the start of the test.
func (r *Record) TestBegin() {
	r.BeginTime = r.now()
}

func (r *Record) testEnd(res Result, err error) {
	r.EndTime = r.now()
	r.Result = res
	if err == nil {
		return
	}
	if s, ok := AsSignal(err); ok {
		r.Details = s.Reason
		r.Extras = s.Extras
		return
	}
	r.Details = err.Error()
}

// TestPass marks the test passed. err is an optional Pass signal.
func (r *Record) TestPass(err error) { r.testEnd(ResultPass, err) }

// TestFail marks the test failed.
func (r *Record) TestFail(err error) { r.testEnd(ResultFail, err) }

// TestSkip marks the test skipped.
func (r *Record) TestSkip(err error) { r.testEnd(ResultSkip, err) }

// TestError marks the test as ended by an unexpected error.
func (r *Record) TestError(err error) { r.testEnd(ResultError, err) }

// AddError records an error raised by a procedure such as a hook, keyed by
// tag.
func (r *Record) AddError(tag string, err error) {
	if r.ExtraErrors == nil {
		r.ExtraErrors = make(map[string]string)
	}
	r.ExtraErrors[tag] = err.Error()
}

// ExtraError returns the extra errors as one error, or nil if there are none.
func (r *Record) ExtraError() error {
	var tags []string
	for tag := range r.ExtraErrors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	var merr *multierror.Error
	for _, tag := range tags {
		merr = multierror.Append(merr, errors.Errorf("%s: %s", tag, r.ExtraErrors[tag]))
	}
	return merr.ErrorOrNil()
}

// AddTable attaches a table of rows to the record.
func (r *Record) AddTable(name string, rows [][]string) {
	if r.Tables == nil {
		r.Tables = make(map[string][][]string)
	}
	r.Tables[name] = rows
}

func (r *Record) String() string {
	return fmt.Sprintf("%s.%s: %s", r.TestClass, r.TestName, r.Result)
}

func (r *Record) toCase() *reporting.Case {
	return &reporting.Case{
		Name:        r.TestName,
		Class:       r.TestClass,
		Begin:       r.BeginTime,
		End:         r.EndTime,
		Result:      string(r.Result),
		Details:     r.Details,
		Extras:      r.Extras,
		ExtraErrors: r.ExtraErrors,
		Tables:      r.Tables,
	}
}

// Results aggregates the records of a test class.
type Results struct {
	Requested   []*Record
	Executed    []*Record
	Passed      []*Record
	Failed      []*Record
	Skipped     []*Record
	Error       []*Record
	ClassErrors []*Record

	clk clock.Clock
}

// NewResults returns empty results.
func NewResults() *Results {
	return newResults(clock.NewClock())
}

func newResults(clk clock.Clock) *Results {
	return &Results{clk: clk}
}

func (rs *Results) lists() []*[]*Record {
	return []*[]*Record{&rs.Executed, &rs.Passed, &rs.Failed, &rs.Skipped, &rs.Error, &rs.ClassErrors}
}

// AddRecord adds an ended record. A record of a test that was already
// executed replaces the old one, so that a retried test is counted once.
func (rs *Results) AddRecord(r *Record) {
	for _, l := range rs.lists() {
		*l = removeIf(*l, func(o *Record) bool {
			return o.TestName == r.TestName && o.TestClass == r.TestClass
		})
	}
	rs.Executed = append(rs.Executed, r)
	switch r.Result {
	case ResultPass:
		rs.Passed = append(rs.Passed, r)
	case ResultFail:
		rs.Failed = append(rs.Failed, r)
	case ResultSkip:
		rs.Skipped = append(rs.Skipped, r)
	case ResultError:
		rs.Error = append(rs.Error, r)
	}
}

// RemoveRecord removes r from every list except Requested.
func (rs *Results) RemoveRecord(r *Record) {
	for _, l := range rs.lists() {
		*l = removeIf(*l, func(o *Record) bool { return o == r })
	}
}

func removeIf(rs []*Record, pred func(r *Record) bool) []*Record {
	var out []*Record
	for _, r := range rs {
		if !pred(r) {
			out = append(out, r)
		}
	}
	return out
}

func (rs *Results) classRecord(class string) *Record {
	r := newRecord(classRecordName, class, rs.clk)
	r.TestBegin()
	return r
}

// FailClass records that a whole class failed with err. Signals mark the
// record FAIL and other errors mark it ERROR.
func (rs *Results) FailClass(class string, err error) {
	r := rs.classRecord(class)
	if _, ok := AsSignal(err); ok || err == nil {
		r.TestFail(err)
		rs.Failed = append(rs.Failed, r)
	} else {
		r.TestError(err)
		rs.Error = append(rs.Error, r)
	}
	rs.Executed = append(rs.Executed, r)
	rs.ClassErrors = append(rs.ClassErrors, r)
}

// PassClass records that a whole class passed.
func (rs *Results) PassClass(class string) {
	r := rs.classRecord(class)
	r.TestPass(nil)
	rs.Executed = append(rs.Executed, r)
	rs.Passed = append(rs.Passed, r)
}

// SkipClass records that a whole class was skipped for reason.
func (rs *Results) SkipClass(class, reason string) {
	r := rs.classRecord(class)
	r.TestSkip(Skip(reason))
	rs.Executed = append(rs.Executed, r)
	rs.Skipped = append(rs.Skipped, r)
}

// NonPassingRecords returns requested tests that never ran, then failed
// and errored records. Skipped records are included if skipped is true.
func (rs *Results) NonPassingRecords(skipped bool) []*Record {
	var out []*Record
	for _, req := range rs.Requested {
		if !rs.wasExecuted(req.TestName, req.TestClass) {
			out = append(out, req)
		}
	}
	out = append(out, rs.Failed...)
	if skipped {
		out = append(out, rs.Skipped...)
	}
	out = append(out, rs.Error...)
	return out
}

func (rs *Results) wasExecuted(name, class string) bool {
	for _, e := range rs.Executed {
		if e.TestName == name && e.TestClass == class {
			return true
		}
	}
	return false
}

func (rs *Results) isRequested(name string) bool {
	for _, r := range rs.Requested {
		if r.TestName == name {
			return true
		}
	}
	return false
}

// ProgressString returns "executed/total" where total counts requested
// tests and any generated ones run beyond them.
func (rs *Results) ProgressString() string {
	total := len(rs.Requested)
	if len(rs.Executed) > total {
		total = len(rs.Executed)
	}
	return fmt.Sprintf("%d/%d", len(rs.Executed), total)
}

// Summary returns a one-line count of every list.
func (rs *Results) Summary() string {
	return fmt.Sprintf("Requested %d, Executed %d, Passed %d, Failed %d, Skipped %d, Error %d",
		len(rs.Requested), len(rs.Executed), len(rs.Passed), len(rs.Failed), len(rs.Skipped), len(rs.Error))
}

// Report converts the results of module to the form written to result
// files.
func (rs *Results) Report(module string) *reporting.Report {
	rep := &reporting.Report{
		Module: module,
		Counts: reporting.Counts{
			Requested: len(rs.Requested),
			Executed:  len(rs.Executed),
			Passed:    len(rs.Passed),
			Failed:    len(rs.Failed),
			Skipped:   len(rs.Skipped),
			Error:     len(rs.Error),
		},
	}
	for _, r := range rs.Executed {
		rep.Cases = append(rep.Cases, r.toCase())
	}
	for _, r := range rs.ClassErrors {
		rep.ClassErrors = append(rep.ClassErrors, r.toCase())
	}
	return rep
}

// JSON returns the report of module as JSON.
func (rs *Results) JSON(module string) ([]byte, error) {
	return json.Marshal(rs.Report(module))
}
