// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package testutil has filesystem helpers for unit tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDir returns a directory removed when t finishes.
func TempDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

// WriteFiles creates files under dir from a map of relative path to
// content, creating parent directories as needed.
func WriteFiles(dir string, files map[string]string) error {
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// ReadFiles is the inverse of WriteFiles: it returns every regular file
// under dir keyed by its slash-separated relative path.
func ReadFiles(dir string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	return files, err
}

// MustWriteFiles calls WriteFiles and fails t on error.
func MustWriteFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	if err := WriteFiles(dir, files); err != nil {
		t.Fatal(err)
	}
}

// MustReadFiles calls ReadFiles and fails t on error.
func MustReadFiles(t *testing.T, dir string) map[string]string {
	t.Helper()
	files, err := ReadFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	return files
}
