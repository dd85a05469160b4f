package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueuedOperation is a durable work item: one pending remote mutation.
// Operations against the same change dispatch in enqueue order regardless of
// priority; operations against different changes may interleave by priority.
type QueuedOperation struct {
	ID          string // UUID assigned at enqueue time.
	Seq         int64  // Monotonic enqueue sequence, assigned by the store.
	Type        OperationType
	ChangeID    int64
	Payload     OperationPayload
	Priority    int
	Status      OperationStatus
	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time
	LastError   string
	Token       string // Client-generated idempotency token.
	EnqueuedAt  time.Time
	UpdatedAt   time.Time
}

// Terminal returns true when the operation will never be dispatched again
// without explicit user action.
func (o QueuedOperation) Terminal() bool {
	return o.Status == OpCompleted || o.Status == OpFailed || o.Status == OpCancelled
}

// OperationPayload is the tagged union of per-type operation data. Exactly one
// concrete payload type exists per OperationType; payloads are persisted as
// JSON alongside the type tag and decoded back through DecodePayload.
type OperationPayload interface {
	OperationType() OperationType
}

// AddCommentPayload publishes a LocalOnly comment as a draft on the server.
type AddCommentPayload struct {
	CommentID int64 `json:"comment_id"`
}

func (AddCommentPayload) OperationType() OperationType { return OpAddComment }

// UpdateCommentPayload pushes a local edit of an already-synced comment.
type UpdateCommentPayload struct {
	CommentID int64 `json:"comment_id"`
}

func (UpdateCommentPayload) OperationType() OperationType { return OpUpdateComment }

// DeleteCommentPayload removes a synced draft comment from the server.
// RemoteID is captured at enqueue time because the local row may already be gone.
type DeleteCommentPayload struct {
	CommentID int64  `json:"comment_id"`
	RemoteID  string `json:"remote_id"`
}

func (DeleteCommentPayload) OperationType() OperationType { return OpDeleteComment }

// SubmitReviewPayload submits a review bundle (labels + message + comments).
type SubmitReviewPayload struct {
	ReviewID int64 `json:"review_id"`
}

func (SubmitReviewPayload) OperationType() OperationType { return OpSubmitReview }

// UpdateLabelsPayload sets label scores without attaching comments.
type UpdateLabelsPayload struct {
	Labels  map[string]int `json:"labels"`
	Message string         `json:"message,omitempty"`
}

func (UpdateLabelsPayload) OperationType() OperationType { return OpUpdateLabels }

// PushPatchSetPayload pushes a locally-produced commit as a new patch set.
type PushPatchSetPayload struct {
	WorkTree     string `json:"work_tree"`
	TargetBranch string `json:"target_branch"`
}

func (PushPatchSetPayload) OperationType() OperationType { return OpPushPatchSet }

// EncodePayload serializes a payload for durable storage.
func EncodePayload(p OperationPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.OperationType(), err)
	}
	return data, nil
}

// DecodePayload reverses EncodePayload using the persisted type tag.
func DecodePayload(t OperationType, data []byte) (OperationPayload, error) {
	var p OperationPayload
	switch t {
	case OpAddComment:
		p = &AddCommentPayload{}
	case OpUpdateComment:
		p = &UpdateCommentPayload{}
	case OpDeleteComment:
		p = &DeleteCommentPayload{}
	case OpSubmitReview:
		p = &SubmitReviewPayload{}
	case OpUpdateLabels:
		p = &UpdateLabelsPayload{}
	case OpPushPatchSet:
		p = &PushPatchSetPayload{}
	default:
		return nil, fmt.Errorf("unknown operation type %q", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return deref(p), nil
}

// deref returns the value form so payloads compare naturally in tests.
func deref(p OperationPayload) OperationPayload {
	switch v := p.(type) {
	case *AddCommentPayload:
		return *v
	case *UpdateCommentPayload:
		return *v
	case *DeleteCommentPayload:
		return *v
	case *SubmitReviewPayload:
		return *v
	case *UpdateLabelsPayload:
		return *v
	case *PushPatchSetPayload:
		return *v
	}
	return p
}
