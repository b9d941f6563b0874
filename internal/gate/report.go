package gate

import "fmt"

// TestReport is the normalized form of a gate's raw test output, whatever
// reporter produced it.
type TestReport struct {
	Total    int      `json:"total"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	FailedN  []string `json:"failed_names,omitempty"`
	Coverage *float64 `json:"coverage,omitempty"`
}

// Parser converts one reporter format's raw payload into a TestReport.
type Parser interface {
	Parse(payload []byte) (*TestReport, error)
}

// parsers maps the webhook's report-format tag to a parser.
var parsers = map[string]Parser{
	"gotest":  &GoTestParser{},
	"vitest":  &VitestParser{},
	"junit":   &JUnitParser{},
	"generic": &GenericParser{},
}

// ParseReport parses a raw report payload tagged with the given format.
func ParseReport(format string, payload []byte) (*TestReport, error) {
	p, ok := parsers[format]
	if !ok {
		return nil, fmt.Errorf("unknown report format %q", format)
	}
	report, err := p.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("parse %s report: %w", format, err)
	}
	return report, nil
}
