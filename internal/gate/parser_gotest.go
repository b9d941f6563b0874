package gate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
)

// GoTestParser parses `go test -json` event streams.
type GoTestParser struct{}

type goTestEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test,omitempty"`
	Output  string `json:"Output,omitempty"`
}

var coverageRe = regexp.MustCompile(`coverage: ([\d.]+)% of statements`)

func (p *GoTestParser) Parse(payload []byte) (*TestReport, error) {
	report := &TestReport{}
	var coverage *float64

	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Tolerate interleaved non-JSON lines from the test binary.
			continue
		}

		if ev.Test == "" {
			if m := coverageRe.FindStringSubmatch(ev.Output); m != nil {
				if v, err := strconv.ParseFloat(m[1], 64); err == nil {
					coverage = &v
				}
			}
			continue
		}

		switch ev.Action {
		case "pass":
			report.Total++
			report.Passed++
		case "fail":
			report.Total++
			report.Failed++
			report.FailedN = append(report.FailedN, ev.Package+"."+ev.Test)
		case "skip":
			report.Total++
			report.Skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	report.Coverage = coverage
	return report, nil
}
