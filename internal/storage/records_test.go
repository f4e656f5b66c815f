package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "gated.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordLifecycle(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.CreateRecord("owner/repo", 42, "hash1", "sha1", 7, 8000, StateNoQuestions)
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if rec.State != StateNoQuestions {
		t.Errorf("expected no_questions, got %s", rec.State)
	}

	questions := []string{"q1", "q2", "q3"}
	if err := db.SetQuestionsPosted(rec.ID, questions, 1001); err != nil {
		t.Fatalf("SetQuestionsPosted failed: %v", err)
	}

	active, err := db.GetActiveRecord("owner/repo", 42)
	if err != nil {
		t.Fatalf("GetActiveRecord failed: %v", err)
	}
	if active == nil {
		t.Fatal("expected active record")
	}
	if active.State != StateQuestionsPosted {
		t.Errorf("expected questions_posted, got %s", active.State)
	}
	if len(active.Questions) != 3 {
		t.Errorf("expected 3 questions, got %d", len(active.Questions))
	}
	if active.BotCommentID != 1001 {
		t.Errorf("expected bot comment id 1001, got %d", active.BotCommentID)
	}

	if err := db.StageAnswers(rec.ID, []string{"a1", "a2", "a3"}, "alice"); err != nil {
		t.Fatalf("StageAnswers failed: %v", err)
	}

	grade := json.RawMessage(`{"correct":3,"total":3}`)
	if err := db.CompleteGrading(rec.ID, StatePassed, grade); err != nil {
		t.Fatalf("CompleteGrading failed: %v", err)
	}

	final, err := db.GetActiveRecord("owner/repo", 42)
	if err != nil {
		t.Fatalf("GetActiveRecord failed: %v", err)
	}
	if final.State != StatePassed {
		t.Errorf("expected passed, got %s", final.State)
	}
	if final.AttemptCount != 1 {
		t.Errorf("expected attempt count 1, got %d", final.AttemptCount)
	}
	if final.Reviewer != "alice" {
		t.Errorf("expected reviewer alice, got %q", final.Reviewer)
	}
}

func TestStateGuards(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.CreateRecord("owner/repo", 1, "h", "s", 7, 8000, StateNoQuestions)
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	// Cannot stage answers before questions exist.
	if err := db.StageAnswers(rec.ID, []string{"a"}, "alice"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows staging on no_questions, got %v", err)
	}
	// Cannot grade without a staged submission.
	if err := db.CompleteGrading(rec.ID, StateFailed, json.RawMessage(`{}`)); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows grading on no_questions, got %v", err)
	}

	if err := db.SetQuestionsPosted(rec.ID, []string{"q"}, 1); err != nil {
		t.Fatalf("SetQuestionsPosted failed: %v", err)
	}
	// Posting twice must fail.
	if err := db.SetQuestionsPosted(rec.ID, []string{"q"}, 2); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows on double post, got %v", err)
	}
	// Non-terminal grading outcome is rejected outright.
	if err := db.StageAnswers(rec.ID, []string{"a"}, "alice"); err != nil {
		t.Fatalf("StageAnswers failed: %v", err)
	}
	if err := db.CompleteGrading(rec.ID, StateQuestionsPosted, json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for non-terminal grading outcome")
	}
}

func TestRetryAfterFailure(t *testing.T) {
	db := openTestDB(t)

	rec, _ := db.CreateRecord("owner/repo", 5, "h", "s", 7, 8000, StateNoQuestions)
	if err := db.SetQuestionsPosted(rec.ID, []string{"q1", "q2"}, 1); err != nil {
		t.Fatalf("SetQuestionsPosted failed: %v", err)
	}
	if err := db.StageAnswers(rec.ID, []string{"a1", "a2"}, "alice"); err != nil {
		t.Fatalf("StageAnswers failed: %v", err)
	}
	if err := db.CompleteGrading(rec.ID, StateFailed, json.RawMessage(`{"correct":1,"total":2}`)); err != nil {
		t.Fatalf("CompleteGrading failed: %v", err)
	}

	// A failed generation accepts a fresh submission.
	if err := db.StageAnswers(rec.ID, []string{"b1", "b2"}, "bob"); err != nil {
		t.Fatalf("StageAnswers after failure: %v", err)
	}
	if err := db.CompleteGrading(rec.ID, StatePassed, json.RawMessage(`{"correct":2,"total":2}`)); err != nil {
		t.Fatalf("CompleteGrading retry failed: %v", err)
	}

	rec2, _ := db.GetActiveRecord("owner/repo", 5)
	if rec2.AttemptCount != 2 {
		t.Errorf("expected attempt count 2, got %d", rec2.AttemptCount)
	}
	if rec2.Reviewer != "bob" {
		t.Errorf("expected reviewer bob, got %q", rec2.Reviewer)
	}
}

func TestRevertAnswers(t *testing.T) {
	db := openTestDB(t)

	rec, _ := db.CreateRecord("owner/repo", 6, "h", "s", 7, 8000, StateNoQuestions)
	db.SetQuestionsPosted(rec.ID, []string{"q"}, 1)
	db.StageAnswers(rec.ID, []string{"a"}, "alice")

	if err := db.RevertAnswers(rec.ID, StateQuestionsPosted); err != nil {
		t.Fatalf("RevertAnswers failed: %v", err)
	}

	got, _ := db.GetActiveRecord("owner/repo", 6)
	if got.State != StateQuestionsPosted {
		t.Errorf("expected questions_posted after revert, got %s", got.State)
	}
	if got.Answers != nil {
		t.Errorf("expected cleared answers, got %v", got.Answers)
	}
	if got.AttemptCount != 0 {
		t.Errorf("ungraded attempt must not count, got %d", got.AttemptCount)
	}

	// Revert target must be a pre-submission state.
	db.StageAnswers(rec.ID, []string{"a"}, "alice")
	if err := db.RevertAnswers(rec.ID, StatePassed); err == nil {
		t.Error("expected error reverting to a terminal state")
	}
}

func TestMarkErroredClearsAnswers(t *testing.T) {
	db := openTestDB(t)

	rec, _ := db.CreateRecord("owner/repo", 7, "h", "s", 7, 8000, StateNoQuestions)
	db.SetQuestionsPosted(rec.ID, []string{"q"}, 1)
	db.StageAnswers(rec.ID, []string{"a"}, "alice")

	if err := db.MarkErrored(rec.ID); err != nil {
		t.Fatalf("MarkErrored failed: %v", err)
	}

	got, _ := db.GetActiveRecord("owner/repo", 7)
	if got.State != StateErrored {
		t.Errorf("state = %s, want errored", got.State)
	}
	if got.Answers != nil {
		t.Errorf("answers must be cleared, got %v", got.Answers)
	}
	if got.Reviewer != "" {
		t.Errorf("reviewer = %q, want cleared", got.Reviewer)
	}
}

func TestSupersede(t *testing.T) {
	db := openTestDB(t)

	rec, _ := db.CreateRecord("owner/repo", 10, "hash1", "sha1", 7, 8000, StateNoQuestions)
	db.SetQuestionsPosted(rec.ID, []string{"q"}, 1)

	successor, err := db.Supersede("owner/repo", 10, "hash2", "sha2", 7, 8000)
	if err != nil {
		t.Fatalf("Supersede failed: %v", err)
	}
	if successor.ID == rec.ID {
		t.Error("successor must be a new row")
	}
	if successor.State != StateNoQuestions {
		t.Errorf("successor state = %s, want no_questions", successor.State)
	}

	active, _ := db.GetActiveRecord("owner/repo", 10)
	if active.ID != successor.ID {
		t.Errorf("active record = %d, want successor %d", active.ID, successor.ID)
	}

	records, err := db.ListGenerations("owner/repo", 10)
	if err != nil {
		t.Fatalf("ListGenerations failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(records))
	}
	if records[1].State != StateStale {
		t.Errorf("old generation state = %s, want stale", records[1].State)
	}

	// The stale row no longer accepts transitions.
	if err := db.SetQuestionsPosted(rec.ID, []string{"q"}, 2); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows on stale row, got %v", err)
	}
}

func TestFastPass(t *testing.T) {
	db := openTestDB(t)

	rec, _ := db.CreateRecord("owner/repo", 11, "h", "s", 7, 8000, StateNoQuestions)
	if err := db.FastPass(rec.ID); err != nil {
		t.Fatalf("FastPass failed: %v", err)
	}

	got, _ := db.GetActiveRecord("owner/repo", 11)
	if got.State != StatePassed {
		t.Errorf("expected passed, got %s", got.State)
	}
	if len(got.Questions) != 0 {
		t.Errorf("fast pass must not have questions, got %v", got.Questions)
	}

	// Only a question-less generation can fast pass.
	rec2, _ := db.CreateRecord("owner/repo", 12, "h", "s", 7, 8000, StateNoQuestions)
	db.SetQuestionsPosted(rec2.ID, []string{"q"}, 1)
	if err := db.FastPass(rec2.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows fast-passing questions_posted, got %v", err)
	}
}

func TestActiveUniqueness(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.CreateRecord("owner/repo", 20, "h1", "s1", 7, 8000, StateNoQuestions); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	// The partial unique index rejects a second active generation.
	if _, err := db.CreateRecord("owner/repo", 20, "h2", "s2", 7, 8000, StateNoQuestions); err == nil {
		t.Error("expected unique violation for second active generation")
	}
}

func TestStateCounts(t *testing.T) {
	db := openTestDB(t)

	db.CreateRecord("owner/repo", 1, "h1", "s", 7, 8000, StateNoQuestions)
	rec, _ := db.CreateRecord("owner/repo", 2, "h2", "s", 7, 8000, StateNoQuestions)
	db.FastPass(rec.ID)

	counts, err := db.StateCounts()
	if err != nil {
		t.Fatalf("StateCounts failed: %v", err)
	}
	if counts[StateNoQuestions] != 1 || counts[StatePassed] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestDeliveryLedger(t *testing.T) {
	db := openTestDB(t)

	fresh, err := db.MarkDelivery("delivery-1")
	if err != nil {
		t.Fatalf("MarkDelivery failed: %v", err)
	}
	if !fresh {
		t.Error("first delivery must be fresh")
	}

	fresh, err = db.MarkDelivery("delivery-1")
	if err != nil {
		t.Fatalf("MarkDelivery replay failed: %v", err)
	}
	if fresh {
		t.Error("replayed delivery must not be fresh")
	}

	n, err := db.DeliveryCount()
	if err != nil {
		t.Fatalf("DeliveryCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}

	// Entries older than the retention window are pruned.
	if _, err := db.Exec(`UPDATE deliveries SET processed_at = ?`,
		time.Now().UTC().Add(-100*time.Hour).Format(time.RFC3339)); err != nil {
		t.Fatalf("backdate delivery: %v", err)
	}
	pruned, err := db.PruneDeliveries(72 * time.Hour)
	if err != nil {
		t.Fatalf("PruneDeliveries failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned, got %d", pruned)
	}
}

func TestGetActiveRecordMissing(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.GetActiveRecord("owner/repo", 999)
	if err != nil {
		t.Fatalf("GetActiveRecord failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for untracked PR, got %+v", rec)
	}
}
