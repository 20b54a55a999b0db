package runs

import (
	"context"

	"go.uber.org/zap"

	"github.com/machiya/campsync/internal/harvest"
	"github.com/machiya/campsync/internal/report"
)

// mergedSource layers an optional secondary metrics source over the primary
// one. A primary failure fails the fetch; a secondary failure only costs its
// fields, the row still counts as fetched.
type mergedSource struct {
	primary   harvest.MetricsSource
	secondary harvest.MetricsSource
	logger    *zap.Logger
}

// MergeSources combines the campaign page source with the sessions source.
// secondary may be nil, in which case primary is returned unchanged.
func MergeSources(primary, secondary harvest.MetricsSource, logger *zap.Logger) harvest.MetricsSource {
	if secondary == nil {
		return primary
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &mergedSource{primary: primary, secondary: secondary, logger: logger}
}

func (s *mergedSource) Fetch(ctx context.Context, projectID string) (map[report.Field]string, error) {
	fields, err := s.primary.Fetch(ctx, projectID)
	if err != nil {
		return nil, err
	}
	extra, err := s.secondary.Fetch(ctx, projectID)
	if err != nil {
		s.logger.Warn("secondary metrics source failed",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		return fields, nil
	}
	for f, v := range extra {
		fields[f] = v
	}
	return fields, nil
}
