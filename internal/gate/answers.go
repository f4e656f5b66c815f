package gate

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var answerLineRe = regexp.MustCompile(`(?m)^\s*(\d+)[.)]\s*(.+)`)

// ParseNumberedAnswers extracts numbered answers from a comment body.
// Lines like "1. text" or "2) text" are collected; continuation lines
// without a number are appended to the preceding answer. Answers come
// back ordered by their number, duplicates keeping the last value.
func ParseNumberedAnswers(body string) []string {
	matches := answerLineRe.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return nil
	}

	byNumber := make(map[int]string)
	var numbers []int
	for i, m := range matches {
		num, err := strconv.Atoi(body[m[2]:m[3]])
		if err != nil || num <= 0 {
			continue
		}
		// Capture everything up to the next numbered line so
		// multi-line answers survive.
		start := m[4]
		end := len(body)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		text := strings.TrimSpace(body[start:end])
		if text == "" {
			continue
		}
		if _, seen := byNumber[num]; !seen {
			numbers = append(numbers, num)
		}
		byNumber[num] = text
	}

	sort.Ints(numbers)
	answers := make([]string, 0, len(numbers))
	for _, n := range numbers {
		answers = append(answers, byNumber[n])
	}
	return answers
}
