// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package filter selects test cases by name with include and exclude
// patterns.
//
// A pattern is one of:
//
//	name        exact test name
//	glob*       path.Match glob
//	r(regexp)   regular expression matching the whole name (EnableRegex)
//	-pattern    in the include list, excludes pattern (EnableNegativePattern)
//
// Comma-separated items in a single entry are split into separate patterns.
package filter

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.chromium.org/labtest/errors"
)

const (
	suffix32Bit = "_32bit"
	suffix64Bit = "_64bit"
)

// Options configures a Filter.
type Options struct {
	Include []string
	Exclude []string
	// ExcludeOverInclude makes exclude patterns win over include patterns.
	ExcludeOverInclude bool
	EnableRegex        bool
	// EnableNegativePattern moves "-x" include items to the exclude side.
	EnableNegativePattern bool
	// ModuleName, if set, lets "<ModuleName>.x" match test x.
	ModuleName string
	// ExpandBitness lets x match x_32bit and x_64bit, and x_32bit match x.
	ExpandBitness bool
}

type matcher func(name string) bool

// Filter is a compiled set of include and exclude patterns.
type Filter struct {
	include            []matcher
	exclude            []matcher
	negative           []matcher
	excludeOverInclude bool
	desc               string
}

// New compiles opts into a Filter.
func New(opts Options) (*Filter, error) {
	f := &Filter{
		excludeOverInclude: opts.ExcludeOverInclude,
		desc: fmt.Sprintf("include=%v exclude=%v exclude_over_include=%v",
			opts.Include, opts.Exclude, opts.ExcludeOverInclude),
	}

	var include, negative []string
	for _, item := range ExpandItems(opts.Include) {
		if opts.EnableNegativePattern && strings.HasPrefix(item, "-") && len(item) > 1 {
			negative = append(negative, item[1:])
			continue
		}
		include = append(include, item)
	}

	var err error
	if f.include, err = compileAll(include, opts); err != nil {
		return nil, err
	}
	if f.exclude, err = compileAll(ExpandItems(opts.Exclude), opts); err != nil {
		return nil, err
	}
	if f.negative, err = compileAll(negative, opts); err != nil {
		return nil, err
	}
	return f, nil
}

// ExpandItems splits comma-separated entries and drops empty items.
func ExpandItems(items []string) []string {
	var out []string
	for _, it := range items {
		for _, s := range strings.Split(it, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Filter reports whether the test name should run.
func (f *Filter) Filter(name string) bool {
	if matchAny(f.negative, name) {
		return false
	}
	if f.excludeOverInclude && matchAny(f.exclude, name) {
		return false
	}
	if len(f.include) > 0 {
		return matchAny(f.include, name)
	}
	return !matchAny(f.exclude, name)
}

func (f *Filter) String() string { return f.desc }

func matchAny(ms []matcher, name string) bool {
	for _, m := range ms {
		if m(name) {
			return true
		}
	}
	return false
}

func compileAll(items []string, opts Options) ([]matcher, error) {
	var ms []matcher
	for _, item := range items {
		if opts.ModuleName != "" {
			item = strings.TrimPrefix(item, opts.ModuleName+".")
		}
		m, err := compile(item, opts.EnableRegex)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
		if opts.ExpandBitness {
			for _, alt := range bitnessVariants(item) {
				m, err := compile(alt, opts.EnableRegex)
				if err != nil {
					return nil, err
				}
				ms = append(ms, m)
			}
		}
	}
	return ms, nil
}

// bitnessVariants returns the other spellings of item under bitness
// expansion. Regex items are left alone.
func bitnessVariants(item string) []string {
	if isRegex(item) {
		return nil
	}
	lower := strings.ToLower(item)
	for _, suf := range []string{suffix32Bit, suffix64Bit} {
		if strings.HasSuffix(lower, suf) {
			return []string{item[:len(item)-len(suf)]}
		}
	}
	return []string{item + suffix32Bit, item + suffix64Bit}
}

func isRegex(item string) bool {
	return strings.HasPrefix(item, "r(") && strings.HasSuffix(item, ")")
}

func compile(item string, enableRegex bool) (matcher, error) {
	if enableRegex && isRegex(item) {
		re, err := regexp.Compile("^(?:" + item[2:len(item)-1] + ")$")
		if err != nil {
			return nil, errors.Wrapf(err, "bad regex filter %q", item)
		}
		return re.MatchString, nil
	}
	return func(name string) bool {
		if name == item {
			return true
		}
		// Malformed globs only match literally.
		ok, err := path.Match(item, name)
		return err == nil && ok
	}, nil
}
