package driven

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
)

// RemoteErrorKind classifies a failed call to the review server. The core
// never parses raw transport errors; the network adapter returns this
// classification.
type RemoteErrorKind string

const (
	RemoteAuthFailed   RemoteErrorKind = "auth_failed"
	RemoteConflict     RemoteErrorKind = "conflict"
	RemoteNetworkError RemoteErrorKind = "network_error"
	RemoteRateLimited  RemoteErrorKind = "rate_limited"
	RemoteIncompatible RemoteErrorKind = "version_incompatible"
	RemoteNotFound     RemoteErrorKind = "not_found"
)

// RemoteError is the typed outcome of a failed remote call.
type RemoteError struct {
	Kind       RemoteErrorKind
	StatusCode int           // HTTP status when one was received, else 0.
	Timeout    bool          // True when the call timed out with no response.
	RetryAfter time.Duration // Populated for RemoteRateLimited.
	Msg        string
}

func (e *RemoteError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("remote %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("remote %s (status %d)", e.Kind, e.StatusCode)
}

// Endpoint carries the connection parameters for one outgoing call.
// Credential material is decrypted on demand and must not be retained by
// implementations beyond the call.
type Endpoint struct {
	BaseURL  string
	Username string
	Password string
}

// ChangeSummary is the lightweight per-change state fetched during polling.
type ChangeSummary struct {
	ChangeKey       string
	Status          model.ChangeStatus
	Subject         string
	CurrentRevision string
	CurrentNumber   int
	CommentCount    int
	Updated         time.Time
}

// ChangeDetail is the full metadata fetched during import.
type ChangeDetail struct {
	ChangeSummary
	Project string
	Branch  string
	Owner   string
}

// RemoteFile describes one file of a patch set as reported by the server.
type RemoteFile struct {
	Path          string
	Status        string // "A", "M", "D", "R".
	LinesInserted int
	LinesDeleted  int
}

// RemoteComment is a server-side comment as returned by the comments endpoint.
type RemoteComment struct {
	RemoteID       string
	Path           string
	Side           model.CommentSide
	Line           int
	RangeStart     int
	Message        string
	Author         string
	Revision       string
	PatchSetNumber int
	Updated        time.Time
	InReplyTo      string
}

// DraftComment is a locally-authored comment to publish on the server.
type DraftComment struct {
	LocalID    int64 // Echoed back in ReviewOutcome for per-comment failures.
	Path       string
	Side       model.CommentSide
	Line       int
	RangeStart int
	Message    string
}

// ReviewInput is one review submission: labels, cover message, and comments,
// tagged with a client-generated idempotency token.
type ReviewInput struct {
	Labels   map[string]int
	Message  string
	Comments []DraftComment
	Tag      string // Idempotency token; queryable back via FindReviewByTag.
}

// ReviewOutcome reports what the server accepted. A submission where labels
// landed but some comments were rejected is a partial success, surfaced via
// RejectedComments rather than an error.
type ReviewOutcome struct {
	LabelsApplied    bool
	CommentIDs       map[int64]string // LocalID -> server-assigned comment ID.
	RejectedComments []int64          // LocalIDs the server rejected.
}

// GerritClient defines the driven port for the remote review server.
// All failures come back as *RemoteError so callers can branch on Kind
// with errors.As.
type GerritClient interface {
	// ProbeVersion performs a lightweight capability probe and returns the
	// server version string.
	ProbeVersion(ctx context.Context, ep Endpoint) (string, error)

	QueryChangeSummary(ctx context.Context, ep Endpoint, changeKey string) (*ChangeSummary, error)
	FetchChange(ctx context.Context, ep Endpoint, changeKey string) (*ChangeDetail, error)
	ListFiles(ctx context.Context, ep Endpoint, changeKey, revision string) ([]RemoteFile, error)

	// FetchFileLines returns the content of one file at one revision, split
	// into lines. Used for diff processing and line-shift detection.
	FetchFileLines(ctx context.Context, ep Endpoint, changeKey, revision, path string) ([]string, error)

	ListComments(ctx context.Context, ep Endpoint, changeKey string) ([]RemoteComment, error)
	CreateDraftComment(ctx context.Context, ep Endpoint, changeKey, revision string, c DraftComment) (remoteID string, err error)
	UpdateDraftComment(ctx context.Context, ep Endpoint, changeKey, revision, remoteID, message string) error
	DeleteDraftComment(ctx context.Context, ep Endpoint, changeKey, revision, remoteID string) error

	SetReview(ctx context.Context, ep Endpoint, changeKey, revision string, in ReviewInput) (*ReviewOutcome, error)

	// FindReviewByTag reports whether a review tagged with the given
	// idempotency token already landed on the server. Used to disambiguate a
	// lost SubmitReview response before any retry.
	FindReviewByTag(ctx context.Context, ep Endpoint, changeKey, tag string) (bool, error)
}
