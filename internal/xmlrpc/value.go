// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package xmlrpc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/labtest/errors"
)

type value struct {
	Text    string     `xml:",chardata"`
	String  *string    `xml:"string"`
	Int     *string    `xml:"int"`
	I4      *string    `xml:"i4"`
	I8      *string    `xml:"i8"`
	Boolean *string    `xml:"boolean"`
	Double  *string    `xml:"double"`
	Nil     *struct{}  `xml:"nil"`
	Array   *arrayXML  `xml:"array"`
	Struct  *structXML `xml:"struct"`
}

type arrayXML struct {
	Values []value `xml:"data>value"`
}

type structXML struct {
	Members []memberXML `xml:"member"`
}

type memberXML struct {
	Name  string `xml:"name"`
	Value value  `xml:"value"`
}

// decode converts v to string, int, bool, float64, []interface{},
// map[string]interface{} or nil.
func (v *value) decode() (interface{}, error) {
	switch {
	case v.String != nil:
		return *v.String, nil
	case v.Int != nil, v.I4 != nil, v.I8 != nil:
		s := firstNonNil(v.Int, v.I4, v.I8)
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrapf(err, "bad integer %q", s)
		}
		return n, nil
	case v.Boolean != nil:
		switch strings.TrimSpace(*v.Boolean) {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return nil, errors.Errorf("bad boolean %q", *v.Boolean)
	case v.Double != nil:
		f, err := strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad double %q", *v.Double)
		}
		return f, nil
	case v.Nil != nil:
		return nil, nil
	case v.Array != nil:
		arr := make([]interface{}, 0, len(v.Array.Values))
		for i := range v.Array.Values {
			e, err := v.Array.Values[i].decode()
			if err != nil {
				return nil, err
			}
			arr = append(arr, e)
		}
		return arr, nil
	case v.Struct != nil:
		m := make(map[string]interface{}, len(v.Struct.Members))
		for i := range v.Struct.Members {
			e, err := v.Struct.Members[i].Value.decode()
			if err != nil {
				return nil, err
			}
			m[v.Struct.Members[i].Name] = e
		}
		return m, nil
	default:
		// Untyped values are strings.
		return v.Text, nil
	}
}

func firstNonNil(ss ...*string) string {
	for _, s := range ss {
		if s != nil {
			return *s
		}
	}
	return ""
}

// Unmarshal stores a decoded value into out. Supported targets are *string,
// *int, *bool, *float64, *[]string, *[]interface{},
// *map[string]interface{} and *interface{}. A *string accepts any scalar,
// since servod reports many numeric controls that callers treat as text.
func Unmarshal(v interface{}, out interface{}) error {
	switch o := out.(type) {
	case *interface{}:
		*o = v
	case *string:
		switch x := v.(type) {
		case string:
			*o = x
		case int, bool:
			*o = fmt.Sprint(x)
		case float64:
			*o = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			return errors.Errorf("cannot store %T in string", v)
		}
	case *int:
		switch x := v.(type) {
		case int:
			*o = x
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(x))
			if err != nil {
				return errors.Wrapf(err, "cannot store %q in int", x)
			}
			*o = n
		default:
			return errors.Errorf("cannot store %T in int", v)
		}
	case *bool:
		switch x := v.(type) {
		case bool:
			*o = x
		case int:
			*o = x != 0
		default:
			return errors.Errorf("cannot store %T in bool", v)
		}
	case *float64:
		switch x := v.(type) {
		case float64:
			*o = x
		case int:
			*o = float64(x)
		default:
			return errors.Errorf("cannot store %T in float64", v)
		}
	case *[]interface{}:
		arr, ok := v.([]interface{})
		if !ok {
			return errors.Errorf("cannot store %T in array", v)
		}
		*o = arr
	case *[]string:
		arr, ok := v.([]interface{})
		if !ok {
			return errors.Errorf("cannot store %T in string array", v)
		}
		strs := make([]string, len(arr))
		for i, e := range arr {
			if err := Unmarshal(e, &strs[i]); err != nil {
				return err
			}
		}
		*o = strs
	case *map[string]interface{}:
		m, ok := v.(map[string]interface{})
		if !ok {
			return errors.Errorf("cannot store %T in struct", v)
		}
		*o = m
	default:
		return errors.Errorf("unsupported output type %T", out)
	}
	return nil
}

func encodeRequest(method string, args []interface{}) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?><methodCall><methodName>`)
	xml.EscapeText(&b, []byte(method))
	b.WriteString(`</methodName><params>`)
	for _, a := range args {
		b.WriteString("<param>")
		if err := encodeValue(&b, a); err != nil {
			return nil, errors.Wrapf(err, "encoding arguments of %s", method)
		}
		b.WriteString("</param>")
	}
	b.WriteString(`</params></methodCall>`)
	return b.Bytes(), nil
}

func encodeValue(b *bytes.Buffer, v interface{}) error {
	b.WriteString("<value>")
	switch x := v.(type) {
	case nil:
		b.WriteString("<nil/>")
	case string:
		b.WriteString("<string>")
		xml.EscapeText(b, []byte(x))
		b.WriteString("</string>")
	case bool:
		if x {
			b.WriteString("<boolean>1</boolean>")
		} else {
			b.WriteString("<boolean>0</boolean>")
		}
	case int:
		fmt.Fprintf(b, "<int>%d</int>", x)
	case int32:
		fmt.Fprintf(b, "<int>%d</int>", x)
	case int64:
		fmt.Fprintf(b, "<int>%d</int>", x)
	case float64:
		fmt.Fprintf(b, "<double>%s</double>", strconv.FormatFloat(x, 'f', -1, 64))
	case []string:
		b.WriteString("<array><data>")
		for _, e := range x {
			if err := encodeValue(b, e); err != nil {
				return err
			}
		}
		b.WriteString("</data></array>")
	case []interface{}:
		b.WriteString("<array><data>")
		for _, e := range x {
			if err := encodeValue(b, e); err != nil {
				return err
			}
		}
		b.WriteString("</data></array>")
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("<struct>")
		for _, k := range keys {
			b.WriteString("<member><name>")
			xml.EscapeText(b, []byte(k))
			b.WriteString("</name>")
			if err := encodeValue(b, x[k]); err != nil {
				return err
			}
			b.WriteString("</member>")
		}
		b.WriteString("</struct>")
	default:
		return errors.Errorf("unsupported argument type %T", v)
	}
	b.WriteString("</value>")
	return nil
}
