// Package testutils holds shared test-only helpers: a colorized
// unified-diff text asserter, adapted and slimmed from the teacher's
// internal/testutils/textassert.go for comparing rendered CLI output
// instead of arbitrary multi-option text fixtures.
package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
)

// TestingT is the subset of *testing.T a TextAsserter needs.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAsserter compares rendered text against an expected value and
// reports a colorized unified diff on mismatch, rather than testify's
// raw string-equal failure message.
type TextAsserter struct {
	t TestingT
}

// NewTextAsserter wraps t for diff-based text assertions.
func NewTextAsserter(t TestingT) *TextAsserter {
	return &TextAsserter{t: t}
}

// Assert fails the test with a colorized unified diff if actual != expected.
func (ta *TextAsserter) Assert(actual, expected string) {
	if actual == expected {
		return
	}

	edits := myers.ComputeEdits("", expected, actual)
	unified := gotextdiff.ToUnified("expected", "actual", expected, edits)
	ta.t.Errorf("text assertion failed - unified diff:\n%s", ta.colorize(fmt.Sprint(unified)))
}

func (ta *TextAsserter) colorize(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "@@"):
			out[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			out[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			out[i] = green.Sprint(line)
		default:
			out[i] = line
		}
	}
	return strings.Join(out, "\n")
}
