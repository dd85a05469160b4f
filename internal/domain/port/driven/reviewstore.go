package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
)

// ErrReviewNotFound indicates the requested review does not exist.
var ErrReviewNotFound = errors.New("review not found")

// ReviewStore defines the driven port for review bundle persistence.
type ReviewStore interface {
	CreateReview(ctx context.Context, r model.Review) (model.Review, error)
	GetReview(ctx context.Context, id int64) (*model.Review, error)
	ListReviewsByChange(ctx context.Context, changeID int64) ([]model.Review, error)
	UpdateReview(ctx context.Context, r model.Review) error
	SetReviewStatus(ctx context.Context, id int64, status model.ReviewSyncStatus) error
}
