package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/exhazordinary/pr-comprehension-gate/internal/config"
	"github.com/exhazordinary/pr-comprehension-gate/internal/github"
	"github.com/exhazordinary/pr-comprehension-gate/internal/llm"
	"github.com/exhazordinary/pr-comprehension-gate/internal/storage"
)

// DiffSource fetches the reviewable diff for a pull request.
type DiffSource interface {
	PullDiff(ctx context.Context, repo string, prNumber int, installationID int64) (*github.Diff, error)
}

// Reporter posts comments and commit statuses back to the PR.
type Reporter interface {
	PostComment(ctx context.Context, repo string, prNumber int, installationID int64, body string) (int64, error)
	SetStatus(ctx context.Context, repo, sha string, installationID int64, state github.StatusState, description string) error
}

// Generator derives comprehension questions from a diff.
type Generator interface {
	GenerateQuestions(ctx context.Context, diff string, large bool) ([]string, error)
}

// Grader evaluates reviewer answers against the diff.
type Grader interface {
	GradeAnswers(ctx context.Context, diff string, questions, answers []string) (*llm.GradeResult, error)
}

// Orchestrator drives the per-PR review lifecycle. All state changes
// go through storage first; outward effects (comments, statuses)
// follow, and a status-report failure that survives retries moves the
// generation to errored.
type Orchestrator struct {
	store     *storage.DB
	diffs     DiffSource
	generator Generator
	grader    Grader
	reporter  Reporter
	limiter   *RateLimiter
	metrics   *Metrics
	cfg       *config.Config
}

func NewOrchestrator(store *storage.DB, diffs DiffSource, generator Generator, grader Grader, reporter Reporter, limiter *RateLimiter, metrics *Metrics, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:     store,
		diffs:     diffs,
		generator: generator,
		grader:    grader,
		reporter:  reporter,
		limiter:   limiter,
		metrics:   metrics,
		cfg:       cfg,
	}
}

func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// HandlePullRequest processes an opened/synchronize/reopened/ready
// event: fetch the diff, supersede a changed generation, generate and
// post questions, set the pending status.
func (o *Orchestrator) HandlePullRequest(ctx context.Context, ev PullRequestEvent) error {
	if ev.Draft {
		log.Printf("[gate] %s#%d is a draft, skipping", ev.Repo, ev.PRNumber)
		return nil
	}

	existing, err := o.store.GetActiveRecord(ev.Repo, ev.PRNumber)
	if err != nil {
		return fmt.Errorf("load record for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	diff, err := o.diffs.PullDiff(ctx, ev.Repo, ev.PRNumber, ev.InstallationID)
	if err != nil {
		if existing != nil {
			o.markErrored(ctx, existing.ID, ev.Repo, ev.HeadSHA, ev.InstallationID)
		}
		return fmt.Errorf("fetch diff for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	if existing != nil && existing.DiffHash == diff.Hash {
		// Same content fingerprint: replayed delivery or a rebase
		// that changed nothing reviewable.
		log.Printf("[gate] %s#%d diff unchanged, no-op", ev.Repo, ev.PRNumber)
		return nil
	}

	var rec *storage.ReviewRecord
	if existing == nil {
		rec, err = o.store.CreateRecord(ev.Repo, ev.PRNumber, diff.Hash, ev.HeadSHA, ev.InstallationID, o.cfg.ThresholdBps(), storage.StateNoQuestions)
	} else {
		log.Printf("[gate] %s#%d diff changed, superseding generation %d", ev.Repo, ev.PRNumber, existing.ID)
		rec, err = o.store.Supersede(ev.Repo, ev.PRNumber, diff.Hash, ev.HeadSHA, ev.InstallationID, o.cfg.ThresholdBps())
	}
	if err != nil {
		return fmt.Errorf("record generation for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	if diff.Empty {
		return o.fastPass(ctx, rec, ev)
	}

	if err := o.waitLimiter(ctx, ev.InstallationID); err != nil {
		return err
	}

	questions, err := o.generator.GenerateQuestions(ctx, diff.Content, diff.Large)
	if err != nil || len(questions) == 0 {
		log.Printf("[gate] question generation failed for %s#%d, using fallback: %v", ev.Repo, ev.PRNumber, err)
		questions = llm.FallbackQuestions()
	}
	o.metrics.RecordQuestions()

	commentID, err := o.reporter.PostComment(ctx, ev.Repo, ev.PRNumber, ev.InstallationID, questionComment(questions, diff.Large))
	if err != nil {
		o.markErrored(ctx, rec.ID, ev.Repo, ev.HeadSHA, ev.InstallationID)
		return fmt.Errorf("post questions for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	if err := o.store.SetQuestionsPosted(rec.ID, questions, commentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Superseded by a concurrent push while we were posting.
			log.Printf("[gate] generation %d changed under us, leaving as is", rec.ID)
			return nil
		}
		return fmt.Errorf("store questions for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	desc := fmt.Sprintf("Awaiting reviewer answers (%d questions)", len(questions))
	if err := o.reporter.SetStatus(ctx, ev.Repo, ev.HeadSHA, ev.InstallationID, github.StatusPending, desc); err != nil {
		o.markErrored(ctx, rec.ID, ev.Repo, ev.HeadSHA, ev.InstallationID)
		return fmt.Errorf("set pending status for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	log.Printf("[gate] posted %d questions on %s#%d (generation %d)", len(questions), ev.Repo, ev.PRNumber, rec.ID)
	return nil
}

// HandleComment processes an issue comment on a tracked PR: parse
// numbered answers, grade them, and record the verdict.
func (o *Orchestrator) HandleComment(ctx context.Context, ev CommentEvent) error {
	if ev.AuthorIsBot || (o.cfg.BotLogin != "" && ev.Author == o.cfg.BotLogin) {
		return nil
	}

	rec, err := o.store.GetActiveRecord(ev.Repo, ev.PRNumber)
	if err != nil {
		return fmt.Errorf("load record for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}
	if rec == nil {
		return nil
	}
	if rec.State != storage.StateQuestionsPosted && rec.State != storage.StateFailed {
		return nil
	}
	priorState := rec.State

	// Any human comment while answers are awaited is treated as an
	// attempt, so a reply without the expected numbering gets a
	// clarification instead of silence.
	answers := ParseNumberedAnswers(ev.Body)
	expected := len(rec.Questions)
	if len(answers) < expected {
		if _, err := o.reporter.PostComment(ctx, ev.Repo, ev.PRNumber, ev.InstallationID, clarificationComment(ev.Author, len(answers), expected)); err != nil {
			log.Printf("[gate] clarification comment failed on %s#%d: %v", ev.Repo, ev.PRNumber, err)
		}
		return nil
	}
	if len(answers) > expected {
		answers = answers[:expected]
	}

	if err := o.store.StageAnswers(rec.ID, answers, ev.Author); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("stage answers for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	diff, err := o.diffs.PullDiff(ctx, ev.Repo, ev.PRNumber, ev.InstallationID)
	if err != nil {
		o.markErrored(ctx, rec.ID, ev.Repo, rec.HeadSHA, ev.InstallationID)
		return fmt.Errorf("fetch diff for grading %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	if err := o.waitLimiter(ctx, ev.InstallationID); err != nil {
		return err
	}

	result, err := o.grader.GradeAnswers(ctx, diff.Content, rec.Questions, answers)
	if err != nil {
		// The attempt goes ungraded: restore the prior state so the
		// reviewer can resubmit without burning an attempt.
		log.Printf("[gate] grading failed for %s#%d: %v", ev.Repo, ev.PRNumber, err)
		if revertErr := o.store.RevertAnswers(rec.ID, priorState); revertErr != nil {
			log.Printf("[gate] revert after grading failure: %v", revertErr)
		}
		if _, cErr := o.reporter.PostComment(ctx, ev.Repo, ev.PRNumber, ev.InstallationID, gradingRetryComment(ev.Author)); cErr != nil {
			log.Printf("[gate] retry comment failed on %s#%d: %v", ev.Repo, ev.PRNumber, cErr)
		}
		return fmt.Errorf("grade answers for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	passed := result.Correct*10000 >= rec.PassThresholdBps*result.Total
	outcome := storage.StateFailed
	if passed {
		outcome = storage.StatePassed
	}

	gradeJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode grade: %w", err)
	}
	if err := o.store.CompleteGrading(rec.ID, outcome, gradeJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("record verdict for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}
	o.metrics.RecordGrading()
	o.metrics.RecordOutcome(passed)

	if _, err := o.reporter.PostComment(ctx, ev.Repo, ev.PRNumber, ev.InstallationID, resultComment(ev.Author, result, passed, rec.PassThresholdBps)); err != nil {
		o.markErrored(ctx, rec.ID, ev.Repo, rec.HeadSHA, ev.InstallationID)
		return fmt.Errorf("post result for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	state := github.StatusFailure
	desc := fmt.Sprintf("Comprehension check failed (%d/%d), reply to retry", result.Correct, result.Total)
	if passed {
		state = github.StatusSuccess
		desc = fmt.Sprintf("Comprehension check passed (%d/%d)", result.Correct, result.Total)
	}
	if err := o.reporter.SetStatus(ctx, ev.Repo, rec.HeadSHA, ev.InstallationID, state, desc); err != nil {
		o.markErrored(ctx, rec.ID, ev.Repo, rec.HeadSHA, ev.InstallationID)
		return fmt.Errorf("set verdict status for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}

	log.Printf("[gate] %s#%d graded %d/%d (%s)", ev.Repo, ev.PRNumber, result.Correct, result.Total, outcome)
	return nil
}

// fastPass handles a diff with no meaningful code changes: the
// generation passes without questions.
func (o *Orchestrator) fastPass(ctx context.Context, rec *storage.ReviewRecord, ev PullRequestEvent) error {
	if err := o.store.FastPass(rec.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("fast pass %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}
	o.metrics.RecordOutcome(true)

	if _, err := o.reporter.PostComment(ctx, ev.Repo, ev.PRNumber, ev.InstallationID, emptyDiffComment()); err != nil {
		o.markErrored(ctx, rec.ID, ev.Repo, ev.HeadSHA, ev.InstallationID)
		return fmt.Errorf("post fast-pass comment for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}
	if err := o.reporter.SetStatus(ctx, ev.Repo, ev.HeadSHA, ev.InstallationID, github.StatusSuccess, "No meaningful code changes"); err != nil {
		o.markErrored(ctx, rec.ID, ev.Repo, ev.HeadSHA, ev.InstallationID)
		return fmt.Errorf("set fast-pass status for %s#%d: %w", ev.Repo, ev.PRNumber, err)
	}
	log.Printf("[gate] %s#%d passed automatically, no reviewable changes", ev.Repo, ev.PRNumber)
	return nil
}

// markErrored records the errored state and makes a best-effort error
// status report.
func (o *Orchestrator) markErrored(ctx context.Context, id int64, repo, sha string, installationID int64) {
	if err := o.store.MarkErrored(id); err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("[gate] mark errored %d: %v", id, err)
	}
	if sha == "" {
		return
	}
	if err := o.reporter.SetStatus(ctx, repo, sha, installationID, github.StatusError, "Comprehension gate error"); err != nil {
		log.Printf("[gate] error status report failed for %s@%s: %v", repo, sha, err)
	}
}

// waitLimiter blocks on the installation's rate-limit window,
// recording a deferral when the window is saturated.
func (o *Orchestrator) waitLimiter(ctx context.Context, installationID int64) error {
	key := fmt.Sprintf("install:%d", installationID)
	if o.limiter.Admit(key) {
		return nil
	}
	o.metrics.RecordDeferral()
	return o.limiter.Wait(ctx, key)
}
