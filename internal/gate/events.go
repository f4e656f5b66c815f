package gate

// PullRequestEvent is a normalized pull_request webhook event.
type PullRequestEvent struct {
	Action         string // opened, synchronize, reopened, ready_for_review
	Repo           string // "owner/name"
	PRNumber       int
	HeadSHA        string
	Draft          bool
	InstallationID int64
}

// CommentEvent is a normalized issue_comment webhook event on a PR.
type CommentEvent struct {
	Repo           string
	PRNumber       int
	Author         string
	AuthorIsBot    bool // GitHub marks App/bot accounts with user type "Bot"
	Body           string
	InstallationID int64
}
