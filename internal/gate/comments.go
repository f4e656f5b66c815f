package gate

import (
	"fmt"
	"strings"

	"github.com/exhazordinary/pr-comprehension-gate/internal/llm"
)

const largePRWarning = "> ⚠️ This is a large PR. Questions cover a sample of the changes; reviewing the full diff is still expected.\n\n"

func questionComment(questions []string, large bool) string {
	var b strings.Builder
	b.WriteString("## PR Comprehension Check\n\n")
	if large {
		b.WriteString(largePRWarning)
	}
	b.WriteString("Before this PR can be merged, please answer the following questions about the changes. ")
	b.WriteString("Reply in a single comment using the same numbering:\n\n")
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	b.WriteString("\nStatus: ⏳ Awaiting reviewer answers\n")
	return b.String()
}

func clarificationComment(author string, found, expected int) string {
	return fmt.Sprintf("@%s I found %d answer(s) but expected %d. "+
		"Please reply with one numbered answer per question (1. ... %d.) in a single comment.",
		author, found, expected, expected)
}

func gradingRetryComment(author string) string {
	return fmt.Sprintf("@%s I couldn't grade your answers just now. "+
		"Your answers were not counted as an attempt; please resubmit them.", author)
}

func resultComment(author string, result *llm.GradeResult, passed bool, thresholdBps int) string {
	var b strings.Builder
	if passed {
		b.WriteString("## ✅ Comprehension Check Passed\n\n")
	} else {
		b.WriteString("## ❌ Comprehension Check Failed\n\n")
	}
	fmt.Fprintf(&b, "@%s scored %d/%d (pass threshold %s).\n\n",
		author, result.Correct, result.Total, formatThreshold(thresholdBps))
	for i, g := range result.PerQuestion {
		mark := "❌"
		if g.Passed {
			mark = "✅"
		}
		fmt.Fprintf(&b, "%d. %s **%s**", i+1, mark, g.Question)
		if g.Feedback != "" {
			fmt.Fprintf(&b, "\n   %s", g.Feedback)
		}
		b.WriteString("\n")
	}
	if result.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", result.Summary)
	}
	if !passed {
		b.WriteString("\nYou can try again: reply with a fresh numbered set of answers.\n")
	}
	return b.String()
}

func emptyDiffComment() string {
	return "## ✅ Comprehension Check Passed\n\n" +
		"No meaningful code changes detected (only generated or lock files). " +
		"This PR passes the comprehension check automatically.\n"
}

// formatThreshold renders basis points as a percentage, dropping a
// trailing zero fraction (8000 -> "80%", 8250 -> "82.5%").
func formatThreshold(bps int) string {
	whole := bps / 100
	frac := bps % 100
	if frac == 0 {
		return fmt.Sprintf("%d%%", whole)
	}
	s := fmt.Sprintf("%d.%02d", whole, frac)
	s = strings.TrimRight(s, "0")
	return s + "%"
}
