package gate

import "encoding/xml"

// JUnitParser parses JUnit-style XML reports, the common denominator for
// e2e and regression suites.
type JUnitParser struct{}

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	XMLName xml.Name        `xml:"testsuite"`
	Name    string          `xml:"name,attr"`
	Cases   []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Failure   *junitFailure `xml:"failure"`
	Error     *junitFailure `xml:"error"`
	Skipped   *struct{}     `xml:"skipped"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
}

func (p *JUnitParser) Parse(payload []byte) (*TestReport, error) {
	var suites junitTestSuites
	if err := xml.Unmarshal(payload, &suites); err != nil {
		// Some reporters emit a single bare <testsuite> root.
		var single junitTestSuite
		if err2 := xml.Unmarshal(payload, &single); err2 != nil {
			return nil, err
		}
		suites.Suites = []junitTestSuite{single}
	}

	report := &TestReport{}
	for _, suite := range suites.Suites {
		for _, tc := range suite.Cases {
			report.Total++
			switch {
			case tc.Failure != nil || tc.Error != nil:
				report.Failed++
				name := tc.Name
				if tc.ClassName != "" {
					name = tc.ClassName + "." + tc.Name
				}
				report.FailedN = append(report.FailedN, name)
			case tc.Skipped != nil:
				report.Skipped++
			default:
				report.Passed++
			}
		}
	}
	return report, nil
}
