package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks model output that could not be parsed into the
// expected shape.
var ErrMalformed = errors.New("malformed model output")

// ParseOutcome tags the result of parsing generated questions.
type ParseOutcome int

const (
	// ParseOK: usable questions were extracted.
	ParseOK ParseOutcome = iota
	// ParseFallback: output was parseable but unusable (wrong count);
	// the caller should use the deterministic fallback set.
	ParseFallback
	// ParseMalformed: output was not parseable at all.
	ParseMalformed
)

// stripFences removes a surrounding markdown code fence from model
// output. All tolerance for sloppy model formatting lives here.
func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if _, rest, ok := strings.Cut(text, "\n"); ok {
		text = rest
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

type questionsPayload struct {
	Questions []string `json:"questions"`
}

// ParseQuestions extracts a question list from raw model output and
// tags the result. Lists longer than MaxQuestions are truncated; lists
// shorter than MinQuestions are rejected as fallback-worthy.
func ParseQuestions(raw string) ([]string, ParseOutcome) {
	var payload questionsPayload
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, ParseMalformed
	}

	questions := make([]string, 0, len(payload.Questions))
	for _, q := range payload.Questions {
		if q = strings.TrimSpace(q); q != "" {
			questions = append(questions, q)
		}
	}

	if len(questions) < MinQuestions {
		return nil, ParseFallback
	}
	if len(questions) > MaxQuestions {
		questions = questions[:MaxQuestions]
	}
	return questions, ParseOK
}

// QuestionGrade is the grader's verdict on one answer.
type QuestionGrade struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Passed   bool   `json:"passed"`
	Feedback string `json:"feedback"`
}

// GradeResult is the outcome of grading one answer submission. The
// score is the rational Correct/Total; the threshold comparison is the
// orchestrator's job.
type GradeResult struct {
	Correct     int             `json:"correct"`
	Total       int             `json:"total"`
	PerQuestion []QuestionGrade `json:"per_question"`
	Summary     string          `json:"summary"`
}

type gradePayload struct {
	Answers []struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
		Grade    string `json:"grade"`
		Feedback string `json:"feedback"`
	} `json:"answers"`
	Summary string `json:"summary"`
}

// ParseGrades extracts a grading result from raw model output. The
// entry count must match the question count; anything else is
// ErrMalformed so the attempt is treated as ungraded, never as failed.
func ParseGrades(raw string, questionCount int) (*GradeResult, error) {
	var payload gradePayload
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if len(payload.Answers) != questionCount {
		return nil, fmt.Errorf("%w: got %d graded answers, want %d",
			ErrMalformed, len(payload.Answers), questionCount)
	}

	result := &GradeResult{
		Total:   questionCount,
		Summary: strings.TrimSpace(payload.Summary),
	}
	for _, a := range payload.Answers {
		switch strings.ToUpper(strings.TrimSpace(a.Grade)) {
		case "PASS":
			result.Correct++
			result.PerQuestion = append(result.PerQuestion, QuestionGrade{
				Question: a.Question, Answer: a.Answer, Passed: true, Feedback: a.Feedback,
			})
		case "FAIL":
			result.PerQuestion = append(result.PerQuestion, QuestionGrade{
				Question: a.Question, Answer: a.Answer, Passed: false, Feedback: a.Feedback,
			})
		default:
			return nil, fmt.Errorf("%w: unknown grade %q", ErrMalformed, a.Grade)
		}
	}
	return result, nil
}
