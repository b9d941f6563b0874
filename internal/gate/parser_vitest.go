package gate

import "encoding/json"

// VitestParser parses vitest/jest JSON reporter output.
type VitestParser struct{}

type vitestOutput struct {
	NumTotalTests   int                 `json:"numTotalTests"`
	NumPassedTests  int                 `json:"numPassedTests"`
	NumFailedTests  int                 `json:"numFailedTests"`
	NumPendingTests int                 `json:"numPendingTests"`
	CoverageMap     json.RawMessage     `json:"coverageMap,omitempty"`
	TestResults     []vitestSuiteResult `json:"testResults"`
}

type vitestSuiteResult struct {
	Name             string                  `json:"name"`
	Status           string                  `json:"status"`
	AssertionResults []vitestAssertionResult `json:"assertionResults"`
}

type vitestAssertionResult struct {
	FullName string `json:"fullName"`
	Status   string `json:"status"` // "passed", "failed", "pending"
}

func (p *VitestParser) Parse(payload []byte) (*TestReport, error) {
	var raw vitestOutput
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	report := &TestReport{
		Total:   raw.NumTotalTests,
		Passed:  raw.NumPassedTests,
		Failed:  raw.NumFailedTests,
		Skipped: raw.NumPendingTests,
	}

	for _, suite := range raw.TestResults {
		for _, a := range suite.AssertionResults {
			if a.Status == "failed" {
				report.FailedN = append(report.FailedN, a.FullName)
			}
		}
	}
	return report, nil
}
