// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/google/go-cmp/cmp"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/host/hosttest"
	"go.chromium.org/labtest/internal/logging/loggingtest"
	"go.chromium.org/labtest/internal/yamlconf"
	"go.chromium.org/labtest/runner/reporting"
	"go.chromium.org/labtest/testutil"
)

// fakeSuite implements every hook and records the calls it receives.
type fakeSuite struct {
	tests []Test

	setUpClassErrs []error // returned by successive SetUpClass calls
	onPassErr      error
	onFailErr      error
	heal           func(passive bool) bool

	mu       sync.Mutex
	calls    []string
	restarts int
}

func (s *fakeSuite) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeSuite) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSuite) Tests() []Test { return s.tests }

func (s *fakeSuite) SetUpClass(ctx context.Context) error {
	s.record("setUpClass")
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.setUpClassErrs) == 0 {
		return nil
	}
	err := s.setUpClassErrs[0]
	s.setUpClassErrs = s.setUpClassErrs[1:]
	return err
}

func (s *fakeSuite) TearDownClass(ctx context.Context) error {
	s.record("tearDownClass")
	return nil
}

func (s *fakeSuite) SetUp(ctx context.Context) error {
	s.record("setUp")
	return nil
}

func (s *fakeSuite) TearDown(ctx context.Context) error {
	s.record("tearDown")
	return nil
}

func (s *fakeSuite) OnPass(ctx context.Context, r *Record) error {
	s.record("onPass " + r.TestName)
	return s.onPassErr
}

func (s *fakeSuite) OnFail(ctx context.Context, r *Record) error {
	s.record("onFail " + r.TestName)
	return s.onFailErr
}

func (s *fakeSuite) OnSkip(ctx context.Context, r *Record) error {
	s.record("onSkip " + r.TestName)
	return nil
}

func (s *fakeSuite) OnSilent(ctx context.Context, r *Record) error {
	s.record("onSilent " + r.TestName)
	return nil
}

func (s *fakeSuite) OnException(ctx context.Context, r *Record) error {
	s.record("onException " + r.TestName)
	return nil
}

func (s *fakeSuite) Heal(ctx context.Context, passive bool) bool {
	if s.heal == nil {
		return true
	}
	return s.heal(passive)
}

func (s *fakeSuite) RestartServices(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return nil
}

func (s *fakeSuite) CleanUp(ctx context.Context) error {
	s.record("cleanUp")
	return nil
}

// instantClock advances the fake clock instead of blocking on After.
type instantClock struct {
	*fakeclock.FakeClock
}

func (c instantClock) After(d time.Duration) <-chan time.Time {
	c.Increment(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

var epoch = time.Unix(1600000000, 0)

func newBaseTest(t *testing.T, s Suite, cfg Config, opts ...Option) *BaseTest {
	t.Helper()
	if cfg.ModuleName == "" {
		cfg.ModuleName = "Mod"
	}
	opts = append([]Option{WithClock(fakeclock.NewFakeClock(epoch))}, opts...)
	b, err := New(s, cfg, opts...)
	if err != nil {
		t.Fatal("New failed: ", err)
	}
	return b
}

func passing(ctx context.Context) error { return nil }

func TestRunOutcomes(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{tests: []Test{
		{"testPass", passing},
		{"testFail", func(ctx context.Context) error { return Fail("bad") }},
		{"testSkip", func(ctx context.Context) error { return Skip("later") }},
		{"testSilent", func(ctx context.Context) error { return Silent("quiet") }},
		{"testExplicit", func(ctx context.Context) error { return Pass("fine") }},
		{"testError", func(ctx context.Context) error { return errors.New("boom") }},
		{"testPanic", func(ctx context.Context) error { panic("oops") }},
		{"helper", passing},
	}}
	b := newBaseTest(t, s, Config{})

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}

	if diff := cmp.Diff(names(rs.Passed), []string{"testPass", "testExplicit"}); diff != "" {
		t.Errorf("Passed mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Failed), []string{"testFail"}); diff != "" {
		t.Errorf("Failed mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Skipped), []string{"testSkip"}); diff != "" {
		t.Errorf("Skipped mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Error), []string{"testError", "testPanic"}); diff != "" {
		t.Errorf("Error mismatch (-got +want):\n%s", diff)
	}
	if got, want := rs.Summary(), "Requested 7, Executed 6, Passed 2, Failed 1, Skipped 1, Error 2"; got != want {
		t.Errorf("Summary() = %q; want %q", got, want)
	}

	details := make(map[string]string)
	for _, r := range rs.Executed {
		details[r.TestName] = r.Details
	}
	wantDetails := map[string]string{
		"testPass":     "",
		"testFail":     "bad",
		"testSkip":     "later",
		"testExplicit": "fine",
		"testError":    "boom",
		"testPanic":    "panic: oops",
	}
	if diff := cmp.Diff(details, wantDetails); diff != "" {
		t.Errorf("Details mismatch (-got +want):\n%s", diff)
	}

	wantCalls := []string{
		"setUpClass",
		"setUp", "tearDown", "onPass testPass",
		"setUp", "tearDown", "onFail testFail",
		"setUp", "tearDown", "onSkip testSkip",
		"setUp", "tearDown", "onSilent testSilent",
		"setUp", "tearDown", "onPass testExplicit",
		"setUp", "tearDown", "onException testError", "onFail testError",
		"setUp", "tearDown", "onException testPanic", "onFail testPanic",
		"tearDownClass",
		"cleanUp",
	}
	if diff := cmp.Diff(s.Calls(), wantCalls); diff != "" {
		t.Errorf("Calls mismatch (-got +want):\n%s", diff)
	}
}

func TestRunRetry(t *testing.T) {
	ctx, logger := loggingtest.Context(t)
	td := testutil.TempDir(t)
	attempts := 0
	s := &fakeSuite{tests: []Test{
		{"testA", passing},
		{"testFlaky", func(ctx context.Context) error {
			attempts++
			if attempts == 1 {
				return Fail("first attempt")
			}
			return nil
		}},
	}}
	b := newBaseTest(t, s, Config{MaxRetryCount: 2, ResultsDir: td})

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Executed), []string{"testA", "testFlaky"}); diff != "" {
		t.Errorf("Executed mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Passed), []string{"testA", "testFlaky"}); diff != "" {
		t.Errorf("Passed mismatch (-got +want):\n%s", diff)
	}

	// The failure of the first attempt must not reach OnFail, and testA must
	// not run again.
	wantCalls := []string{
		"setUpClass",
		"setUp", "tearDown", "onPass testA",
		"setUp", "tearDown",
		"tearDownClass",
		"setUpClass",
		"setUp", "tearDown", "onPass testFlaky",
		"tearDownClass",
		"cleanUp",
	}
	if diff := cmp.Diff(s.Calls(), wantCalls); diff != "" {
		t.Errorf("Calls mismatch (-got +want):\n%s", diff)
	}

	files := testutil.MustReadFiles(t, td)
	if diff := cmp.Diff(files, map[string]string{
		reporting.RetryLogFilename:    "Retrying the following test cases: [testFlaky]\n",
		reporting.ReportProtoFilename: "",
	}); diff != "" {
		t.Errorf("Result files mismatch (-got +want):\n%s", diff)
	}
	if !strings.Contains(logger.String(), "Automatically retrying 1 test cases. Run attempt 2 of 3") {
		t.Errorf("Retry attempt was not logged:\n%s", logger.String())
	}
}

func TestRunRetryExhausted(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{tests: []Test{
		{"testBad", func(ctx context.Context) error { return Fail("nope") }},
	}}
	b := newBaseTest(t, s, Config{MaxRetryCount: 1})

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Failed), []string{"testBad"}); diff != "" {
		t.Errorf("Failed mismatch (-got +want):\n%s", diff)
	}
	n := 0
	for _, c := range s.Calls() {
		if c == "onFail testBad" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("OnFail called %d times; want 1", n)
	}
}

func TestRunSetUpClassFailure(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	var errs []error
	for i := 0; i < setupRetryCount; i++ {
		errs = append(errs, errors.New("no device"))
	}
	s := &fakeSuite{
		tests:          []Test{{"testA", passing}},
		setUpClassErrs: errs,
	}
	b := newBaseTest(t, s, Config{MaxRetryCount: 3})

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Error), []string{classRecordName}); diff != "" {
		t.Errorf("Error mismatch (-got +want):\n%s", diff)
	}
	if len(rs.ClassErrors) != 1 || rs.ClassErrors[0].Details != "no device" {
		t.Errorf("ClassErrors = %v; want one record with details %q", rs.ClassErrors, "no device")
	}
	if diff := cmp.Diff(names(rs.NonPassingRecords(false)), []string{"testA", classRecordName}); diff != "" {
		t.Errorf("NonPassingRecords mismatch (-got +want):\n%s", diff)
	}
	wantCalls := []string{"setUpClass", "setUpClass", "setUpClass", "setUpClass", "setUpClass", "tearDownClass", "cleanUp"}
	if diff := cmp.Diff(s.Calls(), wantCalls); diff != "" {
		t.Errorf("Calls mismatch (-got +want):\n%s", diff)
	}
	if s.restarts != setupRetryCount-1 {
		t.Errorf("RestartServices called %d times; want %d", s.restarts, setupRetryCount-1)
	}
}

func TestRunSetUpClassRecovers(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{
		tests:          []Test{{"testA", passing}},
		setUpClassErrs: []error{errors.New("flaky"), errors.New("flaky")},
	}
	b := newBaseTest(t, s, Config{})

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Passed), []string{"testA"}); diff != "" {
		t.Errorf("Passed mismatch (-got +want):\n%s", diff)
	}
	if len(rs.ClassErrors) != 0 {
		t.Errorf("ClassErrors = %v; want none", rs.ClassErrors)
	}
	if s.restarts != 2 {
		t.Errorf("RestartServices called %d times; want 2", s.restarts)
	}
}

func TestRunAbortAll(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{tests: []Test{
		{"testA", passing},
		{"testB", func(ctx context.Context) error { return AbortAll("stop everything") }},
		{"testC", passing},
	}}
	b := newBaseTest(t, s, Config{MaxRetryCount: 2})

	rs, err := b.Run(ctx, nil)
	var aae *AbortAllError
	if !errors.As(err, &aae) {
		t.Fatalf("Run returned %v; want *AbortAllError", err)
	}
	if aae.Results != rs {
		t.Error("AbortAllError does not carry the results")
	}
	if !IsKind(err, KindAbortAll) {
		t.Errorf("IsKind(%v, KindAbortAll) = false", err)
	}
	if diff := cmp.Diff(names(rs.Executed), []string{"testA", "testB", classRecordName}); diff != "" {
		t.Errorf("Executed mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Failed), []string{"testB", classRecordName}); diff != "" {
		t.Errorf("Failed mismatch (-got +want):\n%s", diff)
	}
	setups := 0
	for _, c := range s.Calls() {
		if c == "setUpClass" {
			setups++
		}
	}
	if setups != 1 {
		t.Errorf("SetUpClass called %d times; want 1 since aborting ends retries", setups)
	}
}

func TestRunAbortClass(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{tests: []Test{
		{"testA", func(ctx context.Context) error { return AbortClass("broken class") }},
		{"testB", passing},
	}}
	b := newBaseTest(t, s, Config{MaxRetryCount: 1})

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Failed), []string{"testA", classRecordName}); diff != "" {
		t.Errorf("Failed mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.NonPassingRecords(false)), []string{"testB", "testA", classRecordName}); diff != "" {
		t.Errorf("NonPassingRecords mismatch (-got +want):\n%s", diff)
	}
}

func TestRunTimeout(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	clk := fakeclock.NewFakeClock(epoch)
	s := &fakeSuite{tests: []Test{
		{"testBlock", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		{"testNext", passing},
	}}
	b := newBaseTest(t, s, Config{TestTimeout: yamlconf.Duration(time.Minute)}, WithClock(clk))

	type result struct {
		rs  *Results
		err error
	}
	done := make(chan result, 1)
	go func() {
		rs, err := b.Run(ctx, nil)
		done <- result{rs, err}
	}()

	// The first watcher is the class timer started before SetUpClass.
	clk.WaitForWatcherAndIncrement(time.Minute)
	res := <-done

	var aae *AbortAllError
	if !errors.As(res.err, &aae) {
		t.Fatalf("Run returned %v; want *AbortAllError", res.err)
	}
	if diff := cmp.Diff(names(res.rs.Failed), []string{"testBlock", classRecordName}); diff != "" {
		t.Errorf("Failed mismatch (-got +want):\n%s", diff)
	}
	if got, want := res.rs.Failed[0].Details, "test suite timed out after 1m0s"; got != want {
		t.Errorf("Details = %q; want %q", got, want)
	}
	for _, c := range s.Calls() {
		if c == "onPass testNext" {
			t.Error("testNext ran after the timeout")
		}
	}
}

func TestRunTimerRemaining(t *testing.T) {
	ctx, logger := loggingtest.Context(t)
	clk := fakeclock.NewFakeClock(epoch)
	s := &fakeSuite{tests: []Test{{"testA", passing}}}
	b := newBaseTest(t, s, Config{TestTimeout: yamlconf.Duration(time.Minute)}, WithClock(clk))

	// Time spent between New and Run counts against the class timeout.
	clk.Increment(20 * time.Second)
	if _, err := b.Run(ctx, nil); err != nil {
		t.Fatal("Run failed: ", err)
	}
	if !strings.Contains(logger.String(), "Start timer with timeout=40s") {
		t.Errorf("Timer was not started with the remaining time:\n%s", logger.String())
	}
}

func TestRunSkipAll(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{}
	b := newBaseTest(t, s, Config{})
	s.tests = []Test{
		{"testA", func(ctx context.Context) error {
			b.SkipAllTests("device is missing a radio")
			return Skip("device is missing a radio")
		}},
		{"testB", passing},
	}

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Skipped), []string{"testA", "testB"}); diff != "" {
		t.Errorf("Skipped mismatch (-got +want):\n%s", diff)
	}
	if got := rs.Skipped[1].Details; got != "device is missing a radio" {
		t.Errorf("testB details = %q; want the skip-all reason", got)
	}
}

func TestRunSkipAllWithoutTests(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	b := newBaseTest(t, &fakeSuite{}, Config{})
	b.SkipAllTests("")
	if got, want := b.SkipAllTestsReason(), "No reason provided."; got != want {
		t.Errorf("SkipAllTestsReason() = %q; want %q", got, want)
	}

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Skipped), []string{classRecordName}); diff != "" {
		t.Errorf("Skipped mismatch (-got +want):\n%s", diff)
	}
}

func TestRunSelfTest(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{tests: []Test{{"testA", func(ctx context.Context) error { return Fail("ran") }}}}
	b := newBaseTest(t, s, Config{RunAsSelfTest: true})

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Passed), []string{classRecordName}); diff != "" {
		t.Errorf("Passed mismatch (-got +want):\n%s", diff)
	}
	if len(rs.Requested) != 0 {
		t.Errorf("Requested = %v; want none", names(rs.Requested))
	}
}

func TestRunCollectTestsOnly(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{tests: []Test{{"testA", func(ctx context.Context) error { return Fail("ran") }}}}
	b := newBaseTest(t, s, Config{CollectTestsOnly: true})

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if len(rs.Passed) != 1 || rs.Passed[0].Details != "Collect tests only." {
		t.Errorf("Passed = %v; want testA passed by collection", rs.Passed)
	}
	if diff := cmp.Diff(s.Calls(), []string{"setUpClass", "onPass testA", "tearDownClass", "cleanUp"}); diff != "" {
		t.Errorf("Calls mismatch (-got +want):\n%s", diff)
	}
}

func TestRunHookErrors(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{
		tests:     []Test{{"testA", passing}},
		onPassErr: errors.New("hook broke"),
	}
	b := newBaseTest(t, s, Config{})
	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if len(rs.Passed) != 1 {
		t.Fatalf("Passed = %v; want testA", names(rs.Passed))
	}
	if diff := cmp.Diff(rs.Passed[0].ExtraErrors, map[string]string{"onPass": "hook broke"}); diff != "" {
		t.Errorf("ExtraErrors mismatch (-got +want):\n%s", diff)
	}

	// AbortAll from a hook stops the run.
	s = &fakeSuite{
		tests:     []Test{{"testA", func(ctx context.Context) error { return Fail("x") }}, {"testB", passing}},
		onFailErr: AbortAll("give up"),
	}
	b = newBaseTest(t, s, Config{})
	rs, err = b.Run(ctx, nil)
	if !IsKind(err, KindAbortAll) {
		t.Fatalf("Run returned %v; want an AbortAll error", err)
	}
	if len(rs.Passed) != 0 {
		t.Errorf("Passed = %v; want none", names(rs.Passed))
	}
}

func TestRunADBError(t *testing.T) {
	for _, tc := range []struct {
		name       string
		healOK     bool
		wantAbort  bool
		wantPassed []string
	}{
		{"recovered", true, false, []string{"testAfter"}},
		{"lost", false, true, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := loggingtest.Context(t)
			s := &fakeSuite{
				tests: []Test{
					{"testADB", func(ctx context.Context) error { return errors.Wrap(host.ErrADB, "shell failed") }},
					{"testAfter", passing},
				},
				heal: func(passive bool) bool { return passive || tc.healOK },
			}
			b := newBaseTest(t, s, Config{})
			rs, err := b.Run(ctx, nil)
			if gotAbort := IsKind(err, KindAbortAll); gotAbort != tc.wantAbort {
				t.Errorf("Run returned %v; want abort %v", err, tc.wantAbort)
			}
			if len(rs.Failed) == 0 || rs.Failed[0].TestName != "testADB" {
				t.Errorf("Failed = %v; want testADB first", names(rs.Failed))
			}
			if diff := cmp.Diff(names(rs.Passed), tc.wantPassed); diff != "" {
				t.Errorf("Passed mismatch (-got +want):\n%s", diff)
			}
		})
	}
}

func TestRunPassiveHealFailure(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{
		tests: []Test{{"testA", passing}},
		heal:  func(passive bool) bool { return false },
	}
	b := newBaseTest(t, s, Config{})
	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if len(rs.Failed) != 1 || rs.Failed[0].Details != "Framework self diagnose didn't pass for testA. Marking test as fail." {
		t.Errorf("Failed = %v; want testA failed by self diagnosis", rs.Failed)
	}
	for _, c := range s.Calls() {
		if c == "setUp" {
			t.Error("SetUp ran despite the failed diagnosis")
		}
	}
}

func TestRunHealCommandFailureStopsRetries(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	hr := hosttest.NewRunner("host")
	hr.Fail(`^adb kill-server$`, 1)
	s := &fakeSuite{tests: []Test{{"testA", func(ctx context.Context) error { return Fail("x") }}}}
	b := newBaseTest(t, s, Config{MaxRetryCount: 2, HealCommands: []string{"adb kill-server"}}, WithHealRunner(hr))

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(hr.Commands(), []string{"adb kill-server"}); diff != "" {
		t.Errorf("Heal commands mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Failed), []string{"testA"}); diff != "" {
		t.Errorf("Failed mismatch (-got +want):\n%s", diff)
	}
	for _, c := range s.Calls() {
		if c == "onFail testA" {
			t.Error("OnFail ran although no final run happened")
		}
	}
}

func TestRunSelection(t *testing.T) {
	ctx, logger := loggingtest.Context(t)
	s := &fakeSuite{tests: []Test{{"testA", passing}, {"testB", passing}, {"testC", passing}, {"helper", passing}}}

	b := newBaseTest(t, s, Config{RunList: []string{"testC", "testA"}})
	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Executed), []string{"testC", "testA"}); diff != "" {
		t.Errorf("Executed with run list mismatch (-got +want):\n%s", diff)
	}

	b = newBaseTest(t, s, Config{RunList: []string{"testC"}})
	rs, err = b.Run(ctx, []string{"testB", "testMissing"})
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Executed), []string{"testB"}); diff != "" {
		t.Errorf("Executed with names mismatch (-got +want):\n%s", diff)
	}
	if !strings.Contains(logger.String(), "Mod does not have test case testMissing.") {
		t.Errorf("Missing test was not reported:\n%s", logger.String())
	}

	b = newBaseTest(t, s, Config{})
	if _, err := b.Run(ctx, []string{"helper"}); err == nil {
		t.Error("Run succeeded for a test name without the test prefix")
	}
}

func TestRunFilter(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{tests: []Test{{"testA", passing}, {"testB", passing}, {"testB_32bit", passing}}}
	b := newBaseTest(t, s, Config{IncludeFilter: []string{"Mod.testB"}, ABIBitness: "64"})
	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(names(rs.Passed), []string{"testB"}); diff != "" {
		t.Errorf("Passed mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Skipped), []string{"testB_32bit"}); diff != "" {
		t.Errorf("Skipped mismatch (-got +want):\n%s", diff)
	}
}

func TestFilterOneTest(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
		test string
		want string // empty if the test runs
	}{
		{"included", Config{IncludeFilter: []string{"testA"}}, "testA", ""},
		{"filtered", Config{IncludeFilter: []string{"testA"}}, "testB", "TestSilent: Test case 'testB' did not pass filters."},
		{"negative", Config{ExcludeFilter: []string{"r(test.*)"}, IncludeFilter: []string{"-testA"}}, "testA", "TestSilent: Test case 'testA' did not pass filters."},
		{"32bit on 64", Config{ABIBitness: "64"}, "testFoo_32bit", "TestSkip: Test case 'testFoo_32bit' excluded as ABI bitness is 64."},
		{"64bit on 64", Config{ABIBitness: "64"}, "testFoo_64bit", ""},
		{"64bit on 32", Config{ABIBitness: "32"}, "testFoo_64bit", "TestSkip: Test case 'testFoo_64bit' excluded as ABI bitness is 32."},
		{"64bit on 32 allowed", Config{ABIBitness: "32", Run32BitOn64BitABI: true}, "testFoo_64bit", ""},
		{"skip on 32", Config{ABIBitness: "32", SkipOn32BitABI: true}, "testFoo", "TestSkip: Test case 'testFoo' excluded as ABI bitness is 32."},
		{"skip on 64", Config{ABIBitness: "64", SkipOn64BitABI: true}, "testFoo", "TestSkip: Test case 'testFoo' excluded as ABI bitness is 64."},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := newBaseTest(t, &fakeSuite{}, tc.cfg)
			got := ""
			if err := b.FilterOneTest(tc.test); err != nil {
				got = err.Error()
			}
			if got != tc.want {
				t.Errorf("FilterOneTest(%q) = %q; want %q", tc.test, got, tc.want)
			}
		})
	}
}

func TestRunGeneratedTests(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{}
	b := newBaseTest(t, s, Config{})
	var failed []string
	s.tests = []Test{
		{"testFirst", passing},
		{"generateCases", func(ctx context.Context) error {
			var err error
			failed, err = b.RunGeneratedTests(ctx, func(ctx context.Context, setting string) error {
				if setting == "b" {
					return Fail("b is bad")
				}
				return nil
			}, []string{"a", "b", "c"}, "case", nil)
			return err
		}},
	}

	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(failed, []string{"b"}); diff != "" {
		t.Errorf("failed settings mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Requested), []string{"testFirst", "case a", "case b", "case c"}); diff != "" {
		t.Errorf("Requested mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Passed), []string{"testFirst", "case a", "case c"}); diff != "" {
		t.Errorf("Passed mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(rs.Failed), []string{"case b"}); diff != "" {
		t.Errorf("Failed mismatch (-got +want):\n%s", diff)
	}
}

func TestRunGeneratedTestsNames(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	b := newBaseTest(t, &fakeSuite{}, Config{})
	long := strings.Repeat("z", 300)
	nameFunc := func(s string) (string, error) {
		if s == "x" {
			return "", errors.New("no name")
		}
		return "n_" + s, nil
	}
	failed, err := b.RunGeneratedTests(ctx, func(ctx context.Context, s string) error { return nil },
		[]string{"x", "y", long}, "tag", nameFunc)
	if err != nil {
		t.Fatal("RunGeneratedTests failed: ", err)
	}
	if len(failed) != 0 {
		t.Errorf("failed = %v; want none", failed)
	}
	want := []string{"tag x", "n_y", ("n_" + long)[:MaxFilenameLen]}
	if diff := cmp.Diff(names(b.Results().Requested), want); diff != "" {
		t.Errorf("Requested mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(names(b.Results().Passed), want); diff != "" {
		t.Errorf("Passed mismatch (-got +want):\n%s", diff)
	}
}

func TestRunReportProto(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	td := testutil.TempDir(t)
	s := &fakeSuite{tests: []Test{{"testA", passing}}}
	b := newBaseTest(t, s, Config{ResultsDir: td, ReportProto: true})
	if _, err := b.Run(ctx, nil); err != nil {
		t.Fatal("Run failed: ", err)
	}
	st, err := reporting.ReadReportProto(filepath.Join(td, reporting.ReportProtoFilename))
	if err != nil {
		t.Fatal("ReadReportProto failed: ", err)
	}
	if st == nil {
		t.Fatal("report proto is empty")
	}
	if got := st.GetFields()["module"].GetStringValue(); got != "Mod" {
		t.Errorf("module = %q; want %q", got, "Mod")
	}
}

func TestAddTableToResult(t *testing.T) {
	ctx, _ := loggingtest.Context(t)
	s := &fakeSuite{}
	b := newBaseTest(t, s, Config{})
	s.tests = []Test{{"testA", func(ctx context.Context) error {
		b.AddTableToResult("throughput", [][]string{{"mbps"}, {"100"}})
		return nil
	}}}
	rs, err := b.Run(ctx, nil)
	if err != nil {
		t.Fatal("Run failed: ", err)
	}
	if diff := cmp.Diff(rs.Passed[0].Tables, map[string][][]string{"throughput": {{"mbps"}, {"100"}}}); diff != "" {
		t.Errorf("Tables mismatch (-got +want):\n%s", diff)
	}
	if b.CurrentRecord() != nil {
		t.Error("CurrentRecord() is set after the run")
	}
}
