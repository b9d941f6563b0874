package gate

import "encoding/json"

// GenericParser is the fallback for gates whose workflow already emits the
// normalized report shape.
type GenericParser struct{}

func (p *GenericParser) Parse(payload []byte) (*TestReport, error) {
	var report TestReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, err
	}
	if report.Total == 0 {
		report.Total = report.Passed + report.Failed + report.Skipped
	}
	return &report, nil
}
