package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ReviewStore = (*ReviewRepo)(nil)

// ReviewRepo is the SQLite implementation of the ReviewStore port interface.
// Labels and comment references are stored as JSON columns; the review row is
// small and always read whole.
type ReviewRepo struct {
	db *DB
}

// NewReviewRepo creates a new ReviewRepo backed by the given DB.
func NewReviewRepo(db *DB) *ReviewRepo {
	return &ReviewRepo{db: db}
}

const reviewColumns = `id, change_id, patch_set_id, labels, message, is_draft,
	sync_status, comment_ids, idempotency_token, created_at, updated_at`

// CreateReview persists a new review bundle and returns it with its assigned ID.
func (r *ReviewRepo) CreateReview(ctx context.Context, rev model.Review) (model.Review, error) {
	labels, commentIDs, err := encodeReviewJSON(rev)
	if err != nil {
		return model.Review{}, err
	}

	const query = `
		INSERT INTO reviews (change_id, patch_set_id, labels, message, is_draft, sync_status, comment_ids, idempotency_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	isDraft := 0
	if rev.IsDraft {
		isDraft = 1
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		rev.ChangeID, rev.PatchSetID, labels, rev.Message, isDraft,
		string(rev.SyncStatus), commentIDs, rev.Token,
	)
	if err != nil {
		return model.Review{}, fmt.Errorf("create review for change %d: %w", rev.ChangeID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Review{}, fmt.Errorf("review insert id: %w", err)
	}

	stored, err := r.GetReview(ctx, id)
	if err != nil {
		return model.Review{}, err
	}
	return *stored, nil
}

// GetReview retrieves a single review by local ID.
func (r *ReviewRepo) GetReview(ctx context.Context, id int64) (*model.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE id = ?`

	rev, err := scanReview(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get review %d: %w", id, err)
	}
	return rev, nil
}

// ListReviewsByChange returns all review bundles for a change, newest first.
func (r *ReviewRepo) ListReviewsByChange(ctx context.Context, changeID int64) ([]model.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE change_id = ? ORDER BY id DESC`

	rows, err := r.db.Reader.QueryContext(ctx, query, changeID)
	if err != nil {
		return nil, fmt.Errorf("list reviews for change %d: %w", changeID, err)
	}
	defer rows.Close()

	var reviews []model.Review
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, *rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, nil
}

// UpdateReview persists the mutable fields of a draft review.
func (r *ReviewRepo) UpdateReview(ctx context.Context, rev model.Review) error {
	labels, commentIDs, err := encodeReviewJSON(rev)
	if err != nil {
		return err
	}

	const query = `
		UPDATE reviews
		SET labels = ?, message = ?, is_draft = ?, comment_ids = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	isDraft := 0
	if rev.IsDraft {
		isDraft = 1
	}

	res, err := r.db.Writer.ExecContext(ctx, query, labels, rev.Message, isDraft, commentIDs, rev.ID)
	if err != nil {
		return fmt.Errorf("update review %d: %w", rev.ID, err)
	}
	return requireRow(res, driven.ErrReviewNotFound)
}

// SetReviewStatus updates only the submission lifecycle field.
func (r *ReviewRepo) SetReviewStatus(ctx context.Context, id int64, status model.ReviewSyncStatus) error {
	res, err := r.db.Writer.ExecContext(ctx,
		`UPDATE reviews SET sync_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("set review %d status: %w", id, err)
	}
	return requireRow(res, driven.ErrReviewNotFound)
}

func encodeReviewJSON(rev model.Review) (labels, commentIDs string, err error) {
	l := rev.Labels
	if l == nil {
		l = map[string]int{}
	}
	lb, err := json.Marshal(l)
	if err != nil {
		return "", "", fmt.Errorf("encode review labels: %w", err)
	}

	ids := rev.CommentIDs
	if ids == nil {
		ids = []int64{}
	}
	cb, err := json.Marshal(ids)
	if err != nil {
		return "", "", fmt.Errorf("encode review comment ids: %w", err)
	}

	return string(lb), string(cb), nil
}

func scanReview(s scanner) (*model.Review, error) {
	var rev model.Review
	var labels, commentIDs, syncStatus string
	var isDraft int
	var createdAt, updatedAt string

	err := s.Scan(
		&rev.ID, &rev.ChangeID, &rev.PatchSetID, &labels, &rev.Message, &isDraft,
		&syncStatus, &commentIDs, &rev.Token, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rev.IsDraft = isDraft != 0
	rev.SyncStatus = model.ReviewSyncStatus(syncStatus)

	if err := json.Unmarshal([]byte(labels), &rev.Labels); err != nil {
		return nil, fmt.Errorf("decode review labels: %w", err)
	}
	if err := json.Unmarshal([]byte(commentIDs), &rev.CommentIDs); err != nil {
		return nil, fmt.Errorf("decode review comment ids: %w", err)
	}

	rev.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	rev.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &rev, nil
}
