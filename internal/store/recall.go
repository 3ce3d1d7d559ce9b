package store

import (
	"context"
	"errors"
	"strings"

	"github.com/rcliao/memory-api/internal/model"
)

// Outcome says whether a recall found anything and, if not, why.
type Outcome string

const (
	OutcomeMatched    Outcome = "matched"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeEmptyStore Outcome = "empty_store"
)

// RecallParams holds parameters for Recall.
type RecallParams struct {
	Query string
	Tag   string
}

// RecallResult is the answer to a recall. Related is ordered newest first and
// may contain ExactMatch.
type RecallResult struct {
	Outcome    Outcome        `json:"outcome"`
	ExactMatch *model.Memory  `json:"exact_match,omitempty"`
	Related    []model.Memory `json:"related"`
}

// Recall looks a query up by exact key, then runs the substring scan, both
// narrowed by an optional tag. Absence is reported through Outcome.
func Recall(ctx context.Context, s Store, p RecallParams) (*RecallResult, error) {
	query := strings.TrimSpace(p.Query)
	tag, err := model.ValidateTagFilter(p.Tag, s.TagMode())
	if err != nil {
		return nil, err
	}
	if query == "" && tag == "" {
		return nil, &ValidationError{Field: "query", Reason: "query or tag is required"}
	}

	res := &RecallResult{Related: []model.Memory{}}
	if query != "" {
		m, err := s.GetExact(ctx, query)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		case tag == "" || m.HasTag(tag):
			res.ExactMatch = m
		}
	}

	related, err := s.Scan(ctx, ScanParams{Query: query, Tag: tag})
	if err != nil {
		return nil, err
	}
	res.Related = related

	if res.ExactMatch != nil || len(res.Related) > 0 {
		res.Outcome = OutcomeMatched
		return res, nil
	}
	n, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		res.Outcome = OutcomeEmptyStore
	} else {
		res.Outcome = OutcomeNotFound
	}
	return res, nil
}

// Err maps an absent outcome to ErrNotFound or ErrEmptyStore.
func (r *RecallResult) Err() error {
	switch r.Outcome {
	case OutcomeEmptyStore:
		return ErrEmptyStore
	case OutcomeNotFound:
		return ErrNotFound
	}
	return nil
}
