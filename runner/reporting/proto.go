// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"encoding/json"
	"os"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/labtest/errors"
)

// ReportStruct converts rep to a structpb.Struct with the same fields as
// results.json.
func ReportStruct(rep *Report) (*structpb.Struct, error) {
	b, err := json.Marshal(rep)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// WriteReportProto writes rep to path as a binary structpb.Struct message.
// A nil rep writes an empty file, which readers treat as "no report".
func WriteReportProto(path string, rep *Report) error {
	var data []byte
	if rep != nil {
		s, err := ReportStruct(rep)
		if err != nil {
			return errors.Wrap(err, "failed to convert report")
		}
		if data, err = proto.Marshal(s); err != nil {
			return errors.Wrap(err, "failed to marshal report")
		}
	}
	return os.WriteFile(path, data, 0644)
}

// ReadReportProto reads a file written by WriteReportProto. It returns nil
// for an empty file.
func ReadReportProto(path string) (*structpb.Struct, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "malformed report %s", path)
	}
	return &s, nil
}

// FormatReportProto renders a report message as indented JSON.
func FormatReportProto(s *structpb.Struct) string {
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Format(s)
}
