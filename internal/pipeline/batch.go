package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/franckalain/ingredientscan/internal/models"
)

// BatchItem is one image in a batch run
type BatchItem struct {
	ImagePath   string
	ProductType models.ProductType
	Preferences *models.UserHealthPreferences
}

// RunBatch runs independent image pipelines with at most limit in flight.
// limit <= 0 means no bound. Results are returned in input order.
func (p *Pipeline) RunBatch(ctx context.Context, items []BatchItem, limit int) []*models.PipelineResponse {
	results := make([]*models.PipelineResponse, len(items))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			results[i] = p.runImage(ctx, item.ImagePath, item.ProductType, item.Preferences)
			return nil
		})
	}
	_ = g.Wait()

	return results
}
