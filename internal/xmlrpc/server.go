// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package xmlrpc

import (
	"bytes"
	"encoding/xml"

	"go.chromium.org/labtest/errors"
)

// The functions below implement the server side of the protocol. They back
// the fake servers used in unit tests.

type methodCall struct {
	XMLName    xml.Name `xml:"methodCall"`
	MethodName string   `xml:"methodName"`
	Params     []value  `xml:"params>param>value"`
}

// DecodeCall parses a methodCall document.
func DecodeCall(data []byte) (method string, args []interface{}, err error) {
	var mc methodCall
	if err := xml.Unmarshal(data, &mc); err != nil {
		return "", nil, errors.Wrap(err, "malformed XML-RPC call")
	}
	for _, p := range mc.Params {
		v, err := p.decode()
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
	}
	return mc.MethodName, args, nil
}

// EncodeResponse builds a methodResponse carrying a single value, or no
// value if v is nil.
func EncodeResponse(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?><methodResponse><params>`)
	if v != nil {
		b.WriteString("<param>")
		if err := encodeValue(&b, v); err != nil {
			return nil, err
		}
		b.WriteString("</param>")
	}
	b.WriteString(`</params></methodResponse>`)
	return b.Bytes(), nil
}

// EncodeFault builds a methodResponse carrying a fault.
func EncodeFault(f FaultError) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?><methodResponse><fault>`)
	encodeValue(&b, map[string]interface{}{"faultCode": f.Code, "faultString": f.Reason})
	b.WriteString(`</fault></methodResponse>`)
	return b.Bytes()
}
