package github

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// emptyDiffSentinel is the formatted content when no reviewable changes
// remain after filtering. Its hash still fingerprints the generation.
const emptyDiffSentinel = "(no meaningful code changes)"

// skipFilenames are generated or lock files excluded from the
// reviewable diff.
var skipFilenames = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"Cargo.lock":        true,
	"poetry.lock":       true,
	"Pipfile.lock":      true,
	"go.sum":            true,
	".gitignore":        true,
}

var skipSuffixes = []string{".min.js", ".min.css", ".map", ".svg", ".png", ".jpg", ".ico"}

// Diff is the assembled, skip-filtered view of a pull request's changes.
type Diff struct {
	// Content is the formatted diff for LLM consumption.
	Content string
	// Hash is the SHA-256 fingerprint of Content, used for staleness
	// detection. Any change to the fingerprinted content supersedes the
	// active generation.
	Hash string
	// Large means the diff exceeded the total line budget; generation
	// is scoped to the files seen before the cutoff and the posted
	// comment carries a size warning.
	Large bool
	// Empty means no reviewable changes remain after filtering.
	Empty bool
}

// ParseDiff assembles a reviewable diff from the PR file list.
// Individual patches beyond maxFilePatchLines are truncated before the
// total budget is applied; the raw PR size past maxTotalLines flags the
// diff large and assembly stops once the budget is spent. The first
// file with a patch is always included, truncated if need be, so an
// oversized PR is never mistaken for an empty one.
func ParseDiff(files []PullFile, maxTotalLines, maxFilePatchLines int) Diff {
	var parts []string
	assembledLines := 0
	rawLines := 0
	large := false

	for _, f := range files {
		if shouldSkip(f.Filename) {
			continue
		}
		patch := f.Patch
		if patch == "" {
			continue
		}

		patchLines := strings.Count(patch, "\n") + 1
		rawLines += patchLines
		if rawLines > maxTotalLines {
			large = true
		}

		if patchLines > maxFilePatchLines {
			lines := strings.Split(patch, "\n")[:maxFilePatchLines]
			patch = strings.Join(lines, "\n") + "\n... (truncated)"
			patchLines = maxFilePatchLines + 1
		}

		if assembledLines+patchLines > maxTotalLines && len(parts) > 0 {
			large = true
			break
		}
		assembledLines += patchLines

		status := f.Status
		if status == "" {
			status = "modified"
		}
		parts = append(parts, fmt.Sprintf("### %s (%s: +%d/-%d)\n```diff\n%s\n```",
			f.Filename, status, f.Additions, f.Deletions, patch))

		if assembledLines > maxTotalLines {
			large = true
			break
		}
	}

	content := emptyDiffSentinel
	empty := true
	if len(parts) > 0 {
		content = strings.Join(parts, "\n\n")
		empty = false
	}

	sum := sha256.Sum256([]byte(content))
	return Diff{
		Content: content,
		Hash:    hex.EncodeToString(sum[:]),
		Large:   large,
		Empty:   empty,
	}
}

func shouldSkip(filename string) bool {
	base := filename
	if idx := strings.LastIndex(filename, "/"); idx >= 0 {
		base = filename[idx+1:]
	}
	if skipFilenames[base] {
		return true
	}
	for _, suffix := range skipSuffixes {
		if strings.HasSuffix(filename, suffix) {
			return true
		}
	}
	return false
}
