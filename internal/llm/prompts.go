package llm

// maxDiffChars bounds the diff excerpt embedded in prompts.
const maxDiffChars = 15000

const questionSystemPrompt = `You generate comprehension questions about a pull request diff for the reviewer to answer. Return ONLY a JSON object of the form {"questions": ["...", "..."]} with exactly the requested number of questions.

Rules:
- Questions must be answerable from the diff alone
- Focus on intent, behavior changes, and edge cases, not syntax trivia
- Each question is one sentence
- For large diffs, focus on the highest-signal files and changes
- Return valid JSON only, no markdown fencing or explanation`

const gradeSystemPrompt = `You grade a reviewer's answers to comprehension questions about a pull request diff. Return ONLY a JSON object of the form:
{"answers": [{"question": "...", "answer": "...", "grade": "PASS", "feedback": "..."}], "summary": "..."}

Rules:
- One entry per question, in order; "grade" is "PASS" or "FAIL"
- PASS means the answer demonstrates genuine understanding of the change, even if informally worded
- FAIL means the answer is wrong, vague, or could have been written without reading the diff
- "feedback" is one or two sentences explaining the grade
- "summary" is a short overall assessment
- Return valid JSON only, no markdown fencing or explanation`

func truncateDiff(diff string) string {
	if len(diff) > maxDiffChars {
		return diff[:maxDiffChars]
	}
	return diff
}
