package importjob

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresReviewStore is the review persistence the import rows land in.
type PostgresReviewStore struct {
	db *sql.DB
}

func NewPostgresReviewStore(db *sql.DB) *PostgresReviewStore {
	return &PostgresReviewStore{db: db}
}

func (s *PostgresReviewStore) FindByExternalID(ctx context.Context, externalID string) (*Review, error) {
	rev := &Review{}
	query := `SELECT external_id, author, rating, review_text, COALESCE(contractor_ref, ''), claimed
		FROM reviews WHERE external_id = $1`
	err := s.db.QueryRowContext(ctx, query, externalID).Scan(
		&rev.ExternalID, &rev.Author, &rev.Rating, &rev.Text, &rev.ContractorRef, &rev.Claimed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rev, nil
}

func (s *PostgresReviewStore) Insert(ctx context.Context, rev *Review) error {
	query := `INSERT INTO reviews (external_id, author, rating, review_text, contractor_ref)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))`
	_, err := s.db.ExecContext(ctx, query, rev.ExternalID, rev.Author, rev.Rating, rev.Text, rev.ContractorRef)
	return err
}

func (s *PostgresReviewStore) Update(ctx context.Context, rev *Review) error {
	query := `UPDATE reviews SET author = $1, rating = $2, review_text = $3, updated_at = NOW()
		WHERE external_id = $4 AND NOT claimed`
	_, err := s.db.ExecContext(ctx, query, rev.Author, rev.Rating, rev.Text, rev.ExternalID)
	return err
}
