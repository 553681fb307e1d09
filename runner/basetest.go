// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package runner runs a class of host-driven test cases and keeps their
// results.
//
// A Suite lists test functions and may implement hook interfaces. BaseTest
// runs them in order under a class-wide timer, classifies each outcome into
// a Record, retries non-passing tests, and writes the result files.
package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/xcontext"
	"go.chromium.org/labtest/runner/filter"
	"go.chromium.org/labtest/runner/reporting"
)

const (
	testCaseTemplate   = "[Test Case] %s %s"
	resultLineTemplate = testCaseTemplate + " %s"

	teardownClassTimeout = 120 * time.Second
	setupRetryCount      = 5

	// MaxFilenameLen bounds generated test names, which end up in file names.
	MaxFilenameLen = 255
)

// Option customizes a BaseTest.
type Option func(b *BaseTest)

// WithClock makes the BaseTest measure time with clk.
func WithClock(clk clock.Clock) Option {
	return func(b *BaseTest) {
		b.clk = clk
	}
}

// WithHealRunner sets the runner that executes heal commands. The local host
// is used by default.
func WithHealRunner(r host.Runner) Option {
	return func(b *BaseTest) {
		b.healRunner = r
	}
}

// WithADBDialer sets how Android devices listed in Config.Serials are
// reached for diagnosis and failure artifacts.
func WithADBDialer(dial func(ctx context.Context, serial string) (host.Runner, error)) Option {
	return func(b *BaseTest) {
		b.dialADB = dial
	}
}

// BaseTest runs the tests of one Suite.
type BaseTest struct {
	suite Suite
	cfg   Config
	clk   clock.Clock

	moduleName  string
	timeout     time.Duration
	startTime   time.Time
	results     *Results
	filter      *filter.Filter
	retryFilter *filter.Filter
	finalRun    bool
	current     *Record

	skipAll    bool
	skipReason string

	healRunner  host.Runner
	dialADB     func(ctx context.Context, serial string) (host.Runner, error)
	listDevices func() ([]string, error)

	// base is the context passed to Run. Teardown contexts derive from it
	// so that they outlive the suite timer.
	base context.Context

	mu          sync.Mutex
	cancelSuite xcontext.CancelFunc
	timerStop   chan struct{}
	interrupted bool
}

// New returns a BaseTest running the tests of suite.
func New(suite Suite, cfg Config, opts ...Option) (*BaseTest, error) {
	cfg.HealCommands = append([]string(nil), cfg.HealCommands...)
	if err := cfg.check(); err != nil {
		return nil, err
	}
	b := &BaseTest{
		suite:       suite,
		cfg:         cfg,
		clk:         clock.NewClock(),
		moduleName:  cfg.ModuleName,
		timeout:     cfg.TestTimeout.D(),
		healRunner:  host.Local{},
		dialADB:     dialADB,
		listDevices: host.ADBSerials,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.moduleName == "" {
		b.moduleName = reflect.Indirect(reflect.ValueOf(suite)).Type().Name()
	}
	b.startTime = b.clk.Now()
	b.results = newResults(b.clk)

	f, err := filter.New(filter.Options{
		Include:               cfg.IncludeFilter,
		Exclude:               cfg.ExcludeFilter,
		ExcludeOverInclude:    cfg.ExcludeOverInclude,
		EnableRegex:           true,
		EnableNegativePattern: true,
		ModuleName:            b.moduleName,
		ExpandBitness:         true,
	})
	if err != nil {
		return nil, err
	}
	b.filter = f
	return b, nil
}

func dialADB(ctx context.Context, serial string) (host.Runner, error) {
	d, err := host.NewADB(ctx, serial)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ModuleName returns the name of the test class.
func (b *BaseTest) ModuleName() string { return b.moduleName }

// Results returns the results collected so far.
func (b *BaseTest) Results() *Results { return b.results }

// CurrentRecord returns the record of the running test, or nil.
func (b *BaseTest) CurrentRecord() *Record { return b.current }

// AddTableToResult attaches a table to the record of the running test.
func (b *BaseTest) AddTableToResult(name string, rows [][]string) {
	if b.current != nil {
		b.current.AddTable(name, rows)
	}
}

// SkipAllTests makes every following test skip with msg.
func (b *BaseTest) SkipAllTests(msg string) {
	if msg == "" {
		msg = "No reason provided."
	}
	b.skipAll = true
	b.skipReason = msg
}

// SkipAllTestsIf calls SkipAllTests if cond holds.
func (b *BaseTest) SkipAllTestsIf(cond bool, msg string) {
	if cond {
		b.SkipAllTests(msg)
	}
}

// IsSkipAllTests reports whether SkipAllTests was called.
func (b *BaseTest) IsSkipAllTests() bool { return b.skipAll }

// SkipAllTestsReason returns the reason given to SkipAllTests.
func (b *BaseTest) SkipAllTestsReason() string { return b.skipReason }

// ResetTimeout restarts the class timer. When it fires, the context given to
// tests is cancelled with a *TimeoutError.
func (b *BaseTest) ResetTimeout(ctx context.Context, d time.Duration) {
	b.CancelTimeout(ctx)
	logging.Debugf(ctx, "Start timer with timeout=%v", d)

	tm := b.clk.NewTimer(d)
	stop := make(chan struct{})
	b.mu.Lock()
	b.timerStop = stop
	b.mu.Unlock()

	go func() {
		defer tm.Stop()
		select {
		case <-tm.C():
			b.interrupt(ctx, &TimeoutError{Timeout: d})
		case <-stop:
		}
	}()
}

// CancelTimeout stops the class timer.
func (b *BaseTest) CancelTimeout(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interrupted {
		logging.Info(ctx, "Test execution has been interrupted. Cannot cancel or reset timeout.")
		return
	}
	if b.timerStop != nil {
		close(b.timerStop)
		b.timerStop = nil
	}
}

func (b *BaseTest) interrupt(ctx context.Context, err error) {
	b.mu.Lock()
	if b.interrupted {
		b.mu.Unlock()
		logging.Info(ctx, "Cannot interrupt more than once.")
		return
	}
	b.interrupted = true
	b.timerStop = nil
	cancel := b.cancelSuite
	b.mu.Unlock()

	logging.Info(ctx, "Test timed out, interrupt")
	if cancel != nil {
		cancel(err)
	}
}

// FilterOneTest returns a Silent or Skip signal if name should not run, and
// nil otherwise.
func (b *BaseTest) FilterOneTest(name string) error {
	if b.retryFilter != nil && !b.retryFilter.Filter(name) {
		return Skip("Skipping completed tests in retry run attempt.")
	}
	if !b.filter.Filter(name) {
		return Silent(fmt.Sprintf("Test case '%s' did not pass filters.", name))
	}
	if b.IsSkipAllTests() {
		return Skip(b.SkipAllTestsReason())
	}

	abi := b.cfg.ABIBitness
	lower := strings.ToLower(name)
	if (b.cfg.SkipOn32BitABI && abi == "32") ||
		(b.cfg.SkipOn64BitABI && abi == "64") ||
		(strings.HasSuffix(lower, "32bit") && abi != "32") ||
		(strings.HasSuffix(lower, "64bit") && abi != "64" && !b.cfg.Run32BitOn64BitABI) {
		return Skip(fmt.Sprintf("Test case '%s' excluded as ABI bitness is %s.", name, abi))
	}
	return nil
}

// ExecOneTest runs one test case and adds its record to the results.
//
// The returned error is non-nil only if the run must stop: an AbortClass
// or AbortAll signal, or cancellation of ctx. A suite timeout is returned as
// an AbortAll signal.
func (b *BaseTest) ExecOneTest(ctx context.Context, name string, fn TestFunc) error {
	if b.retryFilter != nil && !b.retryFilter.Filter(name) {
		return nil
	}

	rec := newRecord(name, b.moduleName, b.clk)
	rec.TestBegin()
	logging.Infof(ctx, testCaseTemplate, b.results.ProgressString(), name)
	b.current = rec
	defer func() { b.current = nil }()

	err := b.runOneTest(ctx, name, fn)

	var propagate error
	silenced := false
	sig, isSig := AsSignal(err)
	var te *TimeoutError
	switch {
	case err == nil:
		rec.TestPass(nil)
		propagate = b.execProcedure(ctx, rec, procPass)
	case isSig && sig.Kind == KindFailure:
		rec.TestFail(err)
		propagate = b.execProcedure(ctx, rec, procFail)
	case isSig && sig.Kind == KindSkip:
		rec.TestSkip(err)
		propagate = b.execProcedure(ctx, rec, procSkip)
	case isSig && (sig.Kind == KindAbortClass || sig.Kind == KindAbortAll):
		rec.TestFail(err)
		b.finalRun = true
		propagate = err
	case errors.As(err, &te):
		logging.Infof(ctx, "%s: %v", name, err)
		rec.TestFail(err)
		b.finalRun = true
		propagate = &Signal{Kind: KindAbortAll, Reason: te.Error()}
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logging.Infof(ctx, "%s: execution canceled", name)
		rec.TestFail(err)
		b.finalRun = true
		propagate = err
	case errors.Is(err, host.ErrADB):
		logging.Info(ctx, err)
		rec.TestFail(err)
		if !b.Heal(ctx, false) {
			// The device is gone for good; nothing else can run.
			b.finalRun = true
			propagate = &Signal{Kind: KindAbortAll, Reason: err.Error()}
		} else {
			propagate = b.execProcedure(ctx, rec, procFail)
		}
	case isSig && sig.Kind == KindPass:
		rec.TestPass(err)
		propagate = b.execProcedure(ctx, rec, procPass)
	case isSig && sig.Kind == KindSilent:
		silenced = true
		propagate = b.execProcedure(ctx, rec, procSilent)
		b.results.RemoveRecord(rec)
	default:
		logging.Infof(ctx, "Exception in %s: %+v", name, err)
		rec.TestError(err)
		if propagate = b.execProcedure(ctx, rec, procException); propagate == nil {
			propagate = b.execProcedure(ctx, rec, procFail)
		}
	}

	if !silenced {
		b.results.AddRecord(rec)
	}
	return propagate
}

func (b *BaseTest) runOneTest(ctx context.Context, name string, fn TestFunc) error {
	if err := b.FilterOneTest(name); err != nil {
		return err
	}
	if b.cfg.CollectTestsOnly {
		return Pass("Collect tests only.")
	}

	err := b.setUp(ctx, name)
	if err == nil {
		err = safeCall(ctx, fn)
	}
	if terr := b.tearDown(ctx); terr != nil {
		err = terr
	}
	return err
}

func (b *BaseTest) setUp(ctx context.Context, name string) error {
	if !b.Heal(ctx, true) {
		msg := fmt.Sprintf("Framework self diagnose didn't pass for %s. Marking test as fail.", name)
		logging.Info(ctx, msg)
		return Fail(msg)
	}
	if h, ok := b.suite.(SetUpHook); ok {
		return h.SetUp(ctx)
	}
	return nil
}

// tearDown runs the TearDown hook. Its errors are only logged, except for
// AbortAll which is returned.
func (b *BaseTest) tearDown(ctx context.Context) error {
	h, ok := b.suite.(TearDownHook)
	if !ok {
		return nil
	}
	if err := h.TearDown(ctx); err != nil {
		if IsKind(err, KindAbortAll) {
			return err
		}
		logging.Warningf(ctx, "Exception happened when executing TearDown in %s: %v", b.moduleName, err)
	}
	return nil
}

// procedure is a per-test hook run after a test ends.
type procedure int

const (
	procPass procedure = iota
	procFail
	procSkip
	procSilent
	procException
)

func (p procedure) String() string {
	switch p {
	case procPass:
		return "onPass"
	case procFail:
		return "onFail"
	case procSkip:
		return "onSkip"
	case procSilent:
		return "onSilent"
	case procException:
		return "onException"
	default:
		return fmt.Sprintf("procedure(%d)", int(p))
	}
}

// execProcedure runs procedure p for rec. Failure procedures are skipped
// unless this is the final run. Errors other than AbortAll are added to rec.
func (b *BaseTest) execProcedure(ctx context.Context, rec *Record, p procedure) error {
	if (p == procFail || p == procException) && !b.finalRun {
		logging.Debug(ctx, "Skipping test failure procedure function during retry")
		logging.Infof(ctx, resultLineTemplate, b.results.ProgressString(), rec.TestName, "RETRY")
		return nil
	}
	err := b.runProcedure(ctx, rec, p)
	if err == nil {
		return nil
	}
	if IsKind(err, KindAbortAll) {
		return err
	}
	logging.Warningf(ctx, "Exception happened when executing %v for %s: %v", p, rec.TestName, err)
	rec.AddError(p.String(), err)
	return nil
}

func (b *BaseTest) runProcedure(ctx context.Context, rec *Record, p procedure) error {
	progress := b.results.ProgressString()
	switch p {
	case procPass:
		if rec.Details != "" {
			logging.Debug(ctx, rec.Details)
		}
		logging.Infof(ctx, resultLineTemplate, progress, rec.TestName, rec.Result)
		if h, ok := b.suite.(PassHook); ok {
			return h.OnPass(ctx, rec)
		}
	case procFail:
		logging.Info(ctx, rec.Details)
		logging.Infof(ctx, resultLineTemplate, progress, rec.TestName, rec.Result)
		if h, ok := b.suite.(FailHook); ok {
			if err := h.OnFail(ctx, rec); err != nil {
				return err
			}
		}
		b.collectFailureArtifacts(ctx, rec.TestName)
	case procSkip:
		logging.Infof(ctx, resultLineTemplate, progress, rec.TestName, rec.Result)
		logging.Debugf(ctx, "Reason to skip: %s", rec.Details)
		if h, ok := b.suite.(SkipHook); ok {
			return h.OnSkip(ctx, rec)
		}
	case procSilent:
		if h, ok := b.suite.(SilentHook); ok {
			return h.OnSilent(ctx, rec)
		}
	case procException:
		logging.Info(ctx, rec.Details)
		if h, ok := b.suite.(ExceptionHook); ok {
			return h.OnException(ctx, rec)
		}
	}
	return nil
}

// GeneratedFunc is the body shared by generated test cases.
type GeneratedFunc func(ctx context.Context, setting string) error

// NameFunc derives a test name from a setting.
type NameFunc func(setting string) (string, error)

// RunGeneratedTests runs fn once per setting as separate test cases named
// "<tag> <setting>" or by nameFunc. It returns the settings whose test did
// not pass. A non-nil error means the run must stop, as for ExecOneTest.
func (b *BaseTest) RunGeneratedTests(ctx context.Context, fn GeneratedFunc, settings []string, tag string, nameFunc NameFunc) ([]string, error) {
	testName := func(setting string) string {
		name := fmt.Sprintf("%s %s", tag, setting)
		if nameFunc != nil {
			if n, err := nameFunc(setting); err != nil {
				logging.Infof(ctx, "Failed to get test name from test_func. Fall back to default %s: %v", name, err)
			} else {
				name = n
			}
		}
		if len(name) > MaxFilenameLen {
			name = name[:MaxFilenameLen]
		}
		return name
	}

	for _, s := range settings {
		if name := testName(s); !b.results.isRequested(name) {
			b.results.Requested = append(b.results.Requested, newRecord(name, b.moduleName, b.clk))
		}
	}

	var failed []string
	for _, s := range settings {
		s := s
		prev := len(b.results.Passed)
		err := b.ExecOneTest(ctx, testName(s), func(ctx context.Context) error {
			return fn(ctx, s)
		})
		if len(b.results.Passed)-prev != 1 {
			failed = append(failed, s)
		}
		if err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// RunTestsWithRetry runs tests, then reruns the non-passing ones up to
// Config.MaxRetryCount times.
func (b *BaseTest) RunTestsWithRetry(ctx context.Context, tests []Test) error {
	maxRetry := b.cfg.MaxRetryCount
	for count := 0; count <= maxRetry; count++ {
		if count > 0 {
			if !b.Heal(ctx, false) {
				logging.Info(ctx, "Self heal failed. Some error is not recoverable within time constraint.")
				return nil
			}

			var names []string
			for _, r := range b.results.NonPassingRecords(false) {
				names = append(names, r.TestName)
			}
			f, err := filter.New(filter.Options{Include: names})
			if err != nil {
				return err
			}
			b.retryFilter = f
			logging.Infof(ctx, "Automatically retrying %d test cases. Run attempt %d of %d", len(names), count+1, maxRetry+1)
			msg := fmt.Sprintf("Retrying the following test cases: %v", names)
			logging.Debug(ctx, msg)
			if b.cfg.ResultsDir != "" {
				if err := reporting.AppendRetryLog(b.cfg.ResultsDir, msg); err != nil {
					logging.Warningf(ctx, "Failed to write retry log: %v", err)
				}
			}
		}

		b.finalRun = count == maxRetry
		if err := b.runTests(ctx, tests); err != nil && b.finalRun {
			return err
		}
		if b.finalRun {
			break
		}
	}
	return nil
}

func (b *BaseTest) runTests(ctx context.Context, tests []Test) error {
	for i := 0; i < setupRetryCount; i++ {
		err := b.setUpClass(ctx)
		if err == nil {
			break
		}
		logging.Infof(ctx, "Failed to setup %s: %v", b.moduleName, err)
		if ctx.Err() != nil || i+1 == setupRetryCount {
			b.results.FailClass(b.moduleName, err)
			b.tearDownClass(ctx)
			b.finalRun = true
			return nil
		}
		b.restartServices(ctx)
	}

	var classErr, retErr error
	if err := b.runClassTests(ctx, tests); err != nil {
		classErr = err
		switch {
		case IsKind(err, KindAbortClass):
			logging.Info(ctx, "Received TestAbortClass signal")
			b.finalRun = true
		case IsKind(err, KindAbortAll):
			logging.Info(ctx, "Received TestAbortAll signal")
			b.finalRun = true
			retErr = &AbortAllError{Cause: err, Results: b.results}
		case ctx.Err() != nil:
			b.finalRun = true
			retErr = err
		default:
			logging.Infof(ctx, "Exception in %s: %+v", b.moduleName, err)
			retErr = err
		}
	}

	if len(b.results.NonPassingRecords(false)) == 0 {
		b.finalRun = true
	}
	if classErr != nil && b.finalRun {
		b.results.FailClass(b.moduleName, classErr)
	}
	b.tearDownClass(ctx)
	if b.finalRun {
		logging.Infof(ctx, "Summary for test class %s: %s", b.moduleName, b.results.Summary())
	}
	return retErr
}

func (b *BaseTest) runClassTests(ctx context.Context, tests []Test) error {
	if b.cfg.RunAsSelfTest {
		logging.Debug(ctx, "setUpClass function was executed successfully.")
		b.results.PassClass(b.moduleName)
		return nil
	}

	for _, t := range tests {
		if strings.HasPrefix(t.Name, generatePrefix) {
			logging.Debugf(ctx, "Executing generated test trigger function '%s'", t.Name)
			if err := t.Func(ctx); err != nil {
				return err
			}
			logging.Debugf(ctx, "Finished '%s'", t.Name)
			continue
		}
		if err := b.ExecOneTest(ctx, t.Name, t.Func); err != nil {
			return err
		}
	}
	if b.IsSkipAllTests() && len(b.results.Executed) == 0 {
		b.results.SkipClass(b.moduleName, "All test cases skipped; unable to find any test case.")
	}
	return nil
}

func (b *BaseTest) setUpClass(ctx context.Context) error {
	timeout := b.timeout - b.clk.Since(b.startTime)
	if timeout < 0 {
		timeout = time.Second
	}
	b.ResetTimeout(ctx, timeout)
	if h, ok := b.suite.(SetUpClassHook); ok {
		return h.SetUpClass(ctx)
	}
	return nil
}

func (b *BaseTest) tearDownClass(ctx context.Context) {
	b.CancelTimeout(ctx)
	if h, ok := b.suite.(TearDownClassHook); ok {
		parent := b.base
		if parent == nil {
			parent = ctx
		}
		tctx, cancel := xcontext.WithTimeout(parent, b.clk, teardownClassTimeout, errors.New("tearDownClass method timed out"))
		err := safeCall(tctx, h.TearDownClass)
		cancel(context.Canceled)
		if err != nil {
			logging.Warningf(ctx, "Exception happened when executing TearDownClass in %s: %v", b.moduleName, err)
		}
	}
	b.writeReportProto(ctx)
}

func (b *BaseTest) writeReportProto(ctx context.Context) {
	if b.cfg.ResultsDir == "" {
		return
	}
	path := filepath.Join(b.cfg.ResultsDir, reporting.ReportProtoFilename)
	var rep *reporting.Report
	if b.cfg.ReportProto {
		rep = b.results.Report(b.moduleName)
		logging.Debugf(ctx, "Result proto message path: %s", path)
	}
	if err := reporting.WriteReportProto(path, rep); err != nil {
		logging.Warningf(ctx, "Failed to write %s: %v", path, err)
	}
}

func (b *BaseTest) restartServices(ctx context.Context) {
	h, ok := b.suite.(ServiceRestarter)
	if !ok {
		return
	}
	logging.Info(ctx, "Restarting services before retrying setup")
	if err := h.RestartServices(ctx); err != nil {
		logging.Warningf(ctx, "Failed to restart services: %v", err)
	}
}

// Run runs the tests named by names, or by Config.RunList if names is
// empty, or else every test of the suite. It returns the results even if the
// run was aborted, in which case the error is an *AbortAllError.
func (b *BaseTest) Run(ctx context.Context, names []string) (*Results, error) {
	logging.Infof(ctx, "==========> %s <==========", b.moduleName)
	logging.Debugf(ctx, "Test filter: %v", b.filter)

	sctx, cancel := xcontext.WithCancel(ctx)
	b.mu.Lock()
	b.base = ctx
	b.cancelSuite = cancel
	b.mu.Unlock()
	defer cancel(context.Canceled)
	defer b.CancelTimeout(ctx)
	defer b.cleanUp(ctx)

	tests, err := b.getTests(ctx, names)
	if err != nil {
		return b.results, err
	}
	if !b.cfg.RunAsSelfTest {
		b.results.Requested = nil
		for _, t := range tests {
			if strings.HasPrefix(t.Name, testPrefix) {
				b.results.Requested = append(b.results.Requested, newRecord(t.Name, b.moduleName, b.clk))
			}
		}
	}

	err = b.RunTestsWithRetry(sctx, tests)
	return b.results, err
}

func (b *BaseTest) cleanUp(ctx context.Context) {
	h, ok := b.suite.(CleanUpHook)
	if !ok {
		return
	}
	if err := h.CleanUp(ctx); err != nil {
		logging.Warningf(ctx, "Exception happened when executing CleanUp in %s: %v", b.moduleName, err)
	}
}

func hasTestPrefix(name string) bool {
	return strings.HasPrefix(name, testPrefix) || strings.HasPrefix(name, generatePrefix)
}

func (b *BaseTest) getTests(ctx context.Context, names []string) ([]Test, error) {
	all := b.suite.Tests()
	if len(names) == 0 {
		names = b.cfg.RunList
	}
	if len(names) == 0 {
		var tests []Test
		for _, t := range all {
			if hasTestPrefix(t.Name) {
				tests = append(tests, t)
			}
		}
		return tests, nil
	}

	byName := make(map[string]Test)
	for _, t := range all {
		byName[t.Name] = t
	}
	var tests []Test
	for _, n := range names {
		t, ok := byName[n]
		switch {
		case !ok:
			logging.Warningf(ctx, "%s does not have test case %s.", b.moduleName, n)
		case hasTestPrefix(n):
			tests = append(tests, t)
		default:
			return nil, errors.Errorf("Test case name %s does not follow naming convention test*, abort.", n)
		}
	}
	return tests, nil
}
