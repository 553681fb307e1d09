// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"time"
)

// testSuites is the top level XML element of JUnit result.
type testSuites struct {
	XMLName   xml.Name
	TestSuite testSuite `xml:"testsuite"`
}

// testSuite is an XML element in JUnit result.
type testSuite struct {
	Name     string      `xml:"name,attr"`
	TestCase []*testCase `xml:"testcase"`

	Tests    int `xml:"tests,attr"`
	Failures int `xml:"failures,attr"`
	Errors   int `xml:"errors,attr"`
	Skipped  int `xml:"skipped,attr"`
}

type testCase struct {
	Name      string `xml:"name,attr"`
	ClassName string `xml:"classname,attr"`
	Status    string `xml:"status,attr"`         // run or notrun
	Result    string `xml:"result,attr"`         // more detailed result
	Timestamp string `xml:"timestamp,attr"`      // start time, in ISO8601
	Time      string `xml:"time,attr,omitempty"` // duration, in seconds (with a decimal point)

	Failure *failure `xml:"failure,omitempty"`
	Error   *failure `xml:"error,omitempty"`
	Skipped *skipped `xml:"skipped,omitempty"`
}

type failure struct {
	Message string `xml:"message,attr,omitempty"`
	Details string `xml:",cdata"`
}

type skipped struct {
	Message string `xml:"message,attr,omitempty"`
}

// WriteJUnitXML writes the cases of rep to w in the JUnit XML format.
func WriteJUnitXML(w io.Writer, rep *Report) error {
	suites := testSuites{
		XMLName: xml.Name{Local: "testsuites"},
		TestSuite: testSuite{
			Name:  rep.Module,
			Tests: len(rep.Cases),
		},
	}
	suite := &suites.TestSuite
	for _, c := range rep.Cases {
		tc := &testCase{
			Name:      c.Name,
			ClassName: c.Class,
			Status:    "run",
			Result:    "completed",
			Timestamp: c.Begin.UTC().Format(time.RFC3339),
			// Decimal point is needed for distinguishing it from nanoseconds notation.
			Time: fmt.Sprintf("%.1f", c.End.Sub(c.Begin).Seconds()),
		}
		switch c.Result {
		case ResultSkip:
			tc.Status = "notrun"
			tc.Result = "skipped"
			tc.Skipped = &skipped{Message: c.Details}
			suite.Skipped++
		case ResultFail:
			tc.Failure = &failure{Message: c.Details, Details: extraErrorText(c)}
			suite.Failures++
		case ResultError:
			tc.Error = &failure{Message: c.Details, Details: extraErrorText(c)}
			suite.Errors++
		}
		suite.TestCase = append(suite.TestCase, tc)
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func extraErrorText(c *Case) string {
	var tags []string
	for tag := range c.ExtraErrors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	s := ""
	for _, tag := range tags {
		s += fmt.Sprintf("%s: %s\n", tag, c.ExtraErrors[tag])
	}
	return s
}
