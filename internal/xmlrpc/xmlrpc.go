// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package xmlrpc is a small XML-RPC client for servod and the firmware RPC
// server running on DUTs.
package xmlrpc

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/context/ctxhttp"

	"go.chromium.org/labtest/errors"
)

const defaultTimeout = 10 * time.Second

// XMLRpc talks to one XML-RPC server.
type XMLRpc struct {
	host   string
	port   int
	client *http.Client
}

// New returns a client for http://host:port.
func New(host string, port int) *XMLRpc {
	return &XMLRpc{host: host, port: port, client: http.DefaultClient}
}

// Addr returns host:port, with IPv6 hosts bracketed.
func (r *XMLRpc) Addr() string {
	return net.JoinHostPort(r.host, strconv.Itoa(r.port))
}

// Call is a method invocation.
type Call struct {
	method  string
	args    []interface{}
	timeout time.Duration
}

// NewCall returns a Call with the default timeout.
func NewCall(method string, args ...interface{}) Call {
	return NewCallTimeout(method, defaultTimeout, args...)
}

// NewCallTimeout returns a Call that gives up after timeout.
func NewCallTimeout(method string, timeout time.Duration, args ...interface{}) Call {
	return Call{method: method, args: args, timeout: timeout}
}

// Method returns the method name.
func (c Call) Method() string { return c.method }

// FaultError is returned when the server answers with a fault.
type FaultError struct {
	Code   int
	Reason string
}

func (e FaultError) Error() string {
	return fmt.Sprintf("fault %d: %s", e.Code, e.Reason)
}

// Run invokes call and stores the returned params into out, which must be
// pointers (see Unmarshal for supported types). Faults are returned as
// FaultError without wrapping.
func (r *XMLRpc) Run(ctx context.Context, call Call, out ...interface{}) error {
	body, err := encodeRequest(call.method, call.args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()

	resp, err := ctxhttp.Post(ctx, r.client, "http://"+r.Addr(), "text/xml", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "%s: calling %s", r.Addr(), call.method)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s: calling %s: HTTP status %s", r.Addr(), call.method, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "%s: reading response of %s", r.Addr(), call.method)
	}
	params, err := decodeResponse(data)
	if err != nil {
		return err
	}
	if len(out) > len(params) {
		return errors.Errorf("%s returned %d values; want %d", call.method, len(params), len(out))
	}
	for i, o := range out {
		if err := Unmarshal(params[i], o); err != nil {
			return errors.Wrapf(err, "%s: return value %d", call.method, i)
		}
	}
	return nil
}

type methodResponse struct {
	XMLName xml.Name `xml:"methodResponse"`
	Params  []value  `xml:"params>param>value"`
	Fault   *value   `xml:"fault>value"`
}

func decodeResponse(data []byte) ([]interface{}, error) {
	var resp methodResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, "malformed XML-RPC response")
	}
	if resp.Fault != nil {
		v, err := resp.Fault.decode()
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("malformed fault %v", v)
		}
		var fe FaultError
		fe.Code, _ = m["faultCode"].(int)
		fe.Reason, _ = m["faultString"].(string)
		return nil, fe
	}
	var params []interface{}
	for _, p := range resp.Params {
		v, err := p.decode()
		if err != nil {
			return nil, err
		}
		params = append(params, v)
	}
	return params, nil
}
