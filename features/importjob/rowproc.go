package importjob

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReviewRow is the row shape produced by the review-import exporter. The
// orchestration core treats rows as opaque; this processor is the one place
// that knows what an import row means.
type ReviewRow struct {
	ExternalID    string   `json:"external_id"`
	Author        string   `json:"author"`
	Rating        int      `json:"rating"`
	Text          string   `json:"text"`
	ContractorRef string   `json:"contractor_ref"`
	PhotoURLs     []string `json:"photo_urls"`
}

// Review is the persisted shape the processor writes through ReviewStore.
type Review struct {
	ExternalID    string
	Author        string
	Rating        int
	Text          string
	ContractorRef string
	Claimed       bool
}

// ReviewStore is the narrow surface the row processor needs from the review
// data layer. The CRUD side of the system implements it; the processor only
// decides which mutation a row maps to.
type ReviewStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*Review, error)
	Insert(ctx context.Context, rev *Review) error
	Update(ctx context.Context, rev *Review) error
}

// ReviewRowProcessor maps incoming review rows onto store mutations:
// unknown rows are imported, changed rows are updated, unchanged rows are
// skipped, and rows whose existing review has been claimed by a contractor
// are skipped separately so the import never overwrites a claimed review.
type ReviewRowProcessor struct {
	store ReviewStore
}

func NewReviewRowProcessor(store ReviewStore) *ReviewRowProcessor {
	return &ReviewRowProcessor{store: store}
}

func (p *ReviewRowProcessor) ProcessRow(ctx context.Context, index int, row json.RawMessage) RowResult {
	var rev ReviewRow
	if err := json.Unmarshal(row, &rev); err != nil {
		return RowResult{Err: fmt.Errorf("malformed row: %w", err)}
	}
	if rev.ExternalID == "" {
		return RowResult{Err: fmt.Errorf("row missing external_id")}
	}
	if rev.Rating < 1 || rev.Rating > 5 {
		return RowResult{ExternalID: rev.ExternalID, Err: fmt.Errorf("rating %d out of range", rev.Rating)}
	}

	pendingImage := len(rev.PhotoURLs) > 0

	existing, err := p.store.FindByExternalID(ctx, rev.ExternalID)
	if err != nil {
		return RowResult{ExternalID: rev.ExternalID, Err: err}
	}

	if existing == nil {
		newRev := &Review{
			ExternalID:    rev.ExternalID,
			Author:        rev.Author,
			Rating:        rev.Rating,
			Text:          rev.Text,
			ContractorRef: rev.ContractorRef,
		}
		if err := p.store.Insert(ctx, newRev); err != nil {
			return RowResult{ExternalID: rev.ExternalID, Err: err}
		}
		return RowResult{Outcome: OutcomeImported, PendingImage: pendingImage, ExternalID: rev.ExternalID}
	}

	if existing.Claimed {
		return RowResult{Outcome: OutcomeSkippedClaimed, ExternalID: rev.ExternalID}
	}

	if existing.Author == rev.Author && existing.Rating == rev.Rating && existing.Text == rev.Text {
		return RowResult{Outcome: OutcomeSkipped, ExternalID: rev.ExternalID}
	}

	existing.Author = rev.Author
	existing.Rating = rev.Rating
	existing.Text = rev.Text
	if err := p.store.Update(ctx, existing); err != nil {
		return RowResult{ExternalID: rev.ExternalID, Err: err}
	}
	return RowResult{Outcome: OutcomeUpdated, PendingImage: pendingImage, ExternalID: rev.ExternalID}
}
