package gate

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Severity labels for a single failed test.
const (
	SeverityCritical    = "critical"
	SeverityNonCritical = "non_critical"
)

// Classifier labels a failed test name as critical or non-critical.
type Classifier interface {
	Classify(testName string) string
}

// Policy is the name-pattern classification policy parsed from YAML. A test
// matching any critical pattern is critical unless it also matches a
// non-critical override pattern, which wins.
type Policy struct {
	CriticalPatterns    []string `yaml:"critical_patterns"`
	NonCriticalPatterns []string `yaml:"non_critical_patterns"`
}

// PatternClassifier implements Classifier from a compiled Policy.
type PatternClassifier struct {
	critical    []*regexp.Regexp
	nonCritical []*regexp.Regexp
}

// defaultPolicy applies when no policy file is configured: auth, payment,
// booking and data-integrity suites are critical, flaky-tagged and
// cosmetic suites never are.
var defaultPolicy = Policy{
	CriticalPatterns: []string{
		`(?i)auth`,
		`(?i)payment|billing|checkout`,
		`(?i)booking`,
		`(?i)data.?integrity|migration`,
		`(?i)security`,
	},
	NonCriticalPatterns: []string{
		`(?i)flaky`,
		`(?i)cosmetic|styling|snapshot`,
	},
}

// LoadPolicy reads a classification policy from a YAML file. An empty path
// returns the built-in default policy.
func LoadPolicy(path string) (*PatternClassifier, error) {
	policy := defaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading policy file: %w", err)
		}
		policy = Policy{}
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("parsing policy YAML: %w", err)
		}
	}
	return CompilePolicy(policy)
}

// CompilePolicy compiles a Policy's patterns into a classifier.
func CompilePolicy(policy Policy) (*PatternClassifier, error) {
	c := &PatternClassifier{}
	for _, p := range policy.CriticalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("critical pattern %q: %w", p, err)
		}
		c.critical = append(c.critical, re)
	}
	for _, p := range policy.NonCriticalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("non-critical pattern %q: %w", p, err)
		}
		c.nonCritical = append(c.nonCritical, re)
	}
	return c, nil
}

// Classify labels a single failed test name.
func (c *PatternClassifier) Classify(testName string) string {
	for _, re := range c.nonCritical {
		if re.MatchString(testName) {
			return SeverityNonCritical
		}
	}
	for _, re := range c.critical {
		if re.MatchString(testName) {
			return SeverityCritical
		}
	}
	return SeverityNonCritical
}
