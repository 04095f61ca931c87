package headless

import (
	"context"
	"net/url"

	"github.com/JakeFAU/reverse-image-crawler/internal/search"
)

// Noop implements search.Solver for runs without a browser; it never finds a prediction.
type Noop struct{}

// NewNoop creates a new Noop solver.
func NewNoop() *Noop {
	return &Noop{}
}

// Solve always reports no prediction.
func (Noop) Solve(_ context.Context, _ *url.URL, _ string) (search.Prediction, error) {
	return "", search.ErrNoPrediction
}
