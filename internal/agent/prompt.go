package agent

import (
	"fmt"
	"regexp"
	"strings"
)

var varRe = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// promptVars maps template variable names to values.
type promptVars map[string]string

// renderPrompt expands {{variable}} placeholders. Missing variables are an
// error so a template change cannot silently produce a half-filled prompt.
func renderPrompt(tmpl string, vars promptVars) (string, error) {
	var missing []string
	expanded := varRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

const fixPromptTemplate = `You are fixing critical test failures that blocked a pipeline run.

Repository: {{repo}}
Branch: {{branch}}
Gate: {{gate}}
Fix cycle: {{cycle}} of {{max_cycles}}

Failing tests:
{{failed_tests}}

Check out the branch, reproduce the failures locally, fix the underlying
problem, and push your fix to the same branch. Do not skip or delete tests.
Tracking issue: #{{issue}}.`

const judgePromptTemplate = `You are resolving a merge conflict that blocked a pipeline promotion.

Repository: {{repo}}
Source branch: {{branch}}
Target branch: {{target_branch}}

Rebase the source branch onto the target, resolve every conflict preserving
the intent of both sides, run the test suite, and push the result. Tracking
issue: #{{issue}}.`

func fixPrompt(repo, branch, gate string, cycle, maxCycles, issue int, failedTests []string) (string, error) {
	list := "- (no test names reported)"
	if len(failedTests) > 0 {
		list = "- " + strings.Join(failedTests, "\n- ")
	}
	return renderPrompt(fixPromptTemplate, promptVars{
		"repo":         repo,
		"branch":       branch,
		"gate":         gate,
		"cycle":        fmt.Sprintf("%d", cycle),
		"max_cycles":   fmt.Sprintf("%d", maxCycles),
		"failed_tests": list,
		"issue":        fmt.Sprintf("%d", issue),
	})
}

func judgePrompt(repo, branch, targetBranch string, issue int) (string, error) {
	return renderPrompt(judgePromptTemplate, promptVars{
		"repo":          repo,
		"branch":        branch,
		"target_branch": targetBranch,
		"issue":         fmt.Sprintf("%d", issue),
	})
}
