package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// scanRecord reads one review_records row. Column order must match
// recordColumns.
const recordColumns = `id, repo, pr_number, diff_hash, head_sha, installation_id, state,
	questions, answers, grade, attempt_count, pass_threshold_bps,
	reviewer, bot_comment_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ReviewRecord, error) {
	var rec ReviewRecord
	var questions, answers, grade, reviewer sql.NullString
	var botCommentID sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(
		&rec.ID, &rec.Repo, &rec.PRNumber, &rec.DiffHash, &rec.HeadSHA,
		&rec.InstallationID, &rec.State,
		&questions, &answers, &grade,
		&rec.AttemptCount, &rec.PassThresholdBps,
		&reviewer, &botCommentID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if questions.Valid && questions.String != "" {
		if err := json.Unmarshal([]byte(questions.String), &rec.Questions); err != nil {
			return nil, fmt.Errorf("decode questions for record %d: %w", rec.ID, err)
		}
	}
	if answers.Valid && answers.String != "" {
		if err := json.Unmarshal([]byte(answers.String), &rec.Answers); err != nil {
			return nil, fmt.Errorf("decode answers for record %d: %w", rec.ID, err)
		}
	}
	if grade.Valid && grade.String != "" {
		rec.Grade = json.RawMessage(grade.String)
	}
	rec.Reviewer = reviewer.String
	rec.BotCommentID = botCommentID.Int64
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// GetActiveRecord returns the active (non-stale) generation for a PR,
// or nil if the PR is not tracked.
func (db *DB) GetActiveRecord(repo string, prNumber int) (*ReviewRecord, error) {
	row := db.QueryRow(`SELECT `+recordColumns+` FROM review_records
		WHERE repo = ? AND pr_number = ? AND state != 'stale'`, repo, prNumber)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateRecord inserts a fresh generation for a PR in the given initial
// state. The partial unique index rejects a second active generation.
func (db *DB) CreateRecord(repo string, prNumber int, diffHash, headSHA string, installationID int64, thresholdBps int, state ReviewState) (*ReviewRecord, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := db.Exec(`
		INSERT INTO review_records
			(repo, pr_number, diff_hash, head_sha, installation_id, state, pass_threshold_bps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repo, prNumber, diffHash, headSHA, installationID, state, thresholdBps, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	id, _ := result.LastInsertId()
	return &ReviewRecord{
		ID:               id,
		Repo:             repo,
		PRNumber:         prNumber,
		DiffHash:         diffHash,
		HeadSHA:          headSHA,
		InstallationID:   installationID,
		State:            state,
		PassThresholdBps: thresholdBps,
		CreatedAt:        parseTime(now),
		UpdatedAt:        parseTime(now),
	}, nil
}

// Supersede marks the active generation stale and inserts a fresh one
// for the new diff hash, atomically. The stale row is retained for
// history and metrics integrity.
func (db *DB) Supersede(repo string, prNumber int, diffHash, headSHA string, installationID int64, thresholdBps int) (*ReviewRecord, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		UPDATE review_records SET state = 'stale', updated_at = ?
		WHERE repo = ? AND pr_number = ? AND state != 'stale'`,
		now, repo, prNumber); err != nil {
		return nil, fmt.Errorf("mark stale: %w", err)
	}

	result, err := tx.Exec(`
		INSERT INTO review_records
			(repo, pr_number, diff_hash, head_sha, installation_id, state, pass_threshold_bps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'no_questions', ?, ?, ?)`,
		repo, prNumber, diffHash, headSHA, installationID, thresholdBps, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert successor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit supersede: %w", err)
	}

	id, _ := result.LastInsertId()
	return &ReviewRecord{
		ID:               id,
		Repo:             repo,
		PRNumber:         prNumber,
		DiffHash:         diffHash,
		HeadSHA:          headSHA,
		InstallationID:   installationID,
		State:            StateNoQuestions,
		PassThresholdBps: thresholdBps,
		CreatedAt:        parseTime(now),
		UpdatedAt:        parseTime(now),
	}, nil
}

// SetQuestionsPosted stores the posted questions and moves the record
// out of no_questions. Questions are immutable for the generation after
// this point.
func (db *DB) SetQuestionsPosted(id int64, questions []string, botCommentID int64) error {
	encoded, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	return db.guardedUpdate(`
		UPDATE review_records
		SET state = 'questions_posted', questions = ?, bot_comment_id = ?, updated_at = ?
		WHERE id = ? AND state = 'no_questions'`,
		string(encoded), botCommentID, nowRFC3339(), id)
}

// StageAnswers records a submission and moves the generation to
// answers_submitted ahead of the synchronous grading call.
func (db *DB) StageAnswers(id int64, answers []string, reviewer string) error {
	encoded, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	return db.guardedUpdate(`
		UPDATE review_records
		SET state = 'answers_submitted', answers = ?, reviewer = ?, updated_at = ?
		WHERE id = ? AND state IN ('questions_posted', 'failed')`,
		string(encoded), reviewer, nowRFC3339(), id)
}

// CompleteGrading finalizes a graded attempt with a terminal outcome.
func (db *DB) CompleteGrading(id int64, outcome ReviewState, grade json.RawMessage) error {
	if !outcome.Terminal() {
		return fmt.Errorf("grading outcome must be terminal, got %s", outcome)
	}
	return db.guardedUpdate(`
		UPDATE review_records
		SET state = ?, grade = ?, attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND state = 'answers_submitted'`,
		outcome, string(grade), nowRFC3339(), id)
}

// RevertAnswers undoes a staged submission whose grading never
// completed, restoring the prior state. The answers column is cleared
// so it is only ever set for graded or in-flight attempts.
func (db *DB) RevertAnswers(id int64, prior ReviewState) error {
	if prior != StateQuestionsPosted && prior != StateFailed {
		return fmt.Errorf("cannot revert answers to state %s", prior)
	}
	return db.guardedUpdate(`
		UPDATE review_records
		SET state = ?, answers = NULL, reviewer = NULL, updated_at = ?
		WHERE id = ? AND state = 'answers_submitted'`,
		prior, nowRFC3339(), id)
}

// FastPass moves a question-less generation straight to passed. Used
// when the diff has no meaningful code changes.
func (db *DB) FastPass(id int64) error {
	return db.guardedUpdate(`
		UPDATE review_records SET state = 'passed', updated_at = ?
		WHERE id = ? AND state = 'no_questions'`,
		nowRFC3339(), id)
}

// MarkErrored transitions the generation to errored after the source
// control API stayed unreachable through retries. Answers and reviewer
// are cleared: they are only ever set on a submitted or graded
// generation, never an errored one.
func (db *DB) MarkErrored(id int64) error {
	return db.guardedUpdate(`
		UPDATE review_records SET state = 'errored', answers = NULL, reviewer = NULL, updated_at = ?
		WHERE id = ? AND state != 'stale'`,
		nowRFC3339(), id)
}

// ListGenerations returns all generations for a PR, newest first,
// including stale ones.
func (db *DB) ListGenerations(repo string, prNumber int) ([]ReviewRecord, error) {
	rows, err := db.Query(`SELECT `+recordColumns+` FROM review_records
		WHERE repo = ? AND pr_number = ? ORDER BY id DESC`, repo, prNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ReviewRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// StateCounts returns the number of records per state across all PRs.
func (db *DB) StateCounts() (map[ReviewState]int, error) {
	rows, err := db.Query(`SELECT state, COUNT(*) FROM review_records GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ReviewState]int)
	for rows.Next() {
		var state ReviewState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// guardedUpdate runs an UPDATE that must match exactly one row;
// sql.ErrNoRows signals a state-guard miss.
func (db *DB) guardedUpdate(query string, args ...any) error {
	result, err := db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
