// Package analytics fetches per-project web session counts from the Google
// Analytics Data API (GA4).
package analytics

import (
	"context"
	"fmt"
	"time"

	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/option"

	"github.com/machiya/campsync/internal/report"
)

// Throttle gates outbound requests; *ratelimit.Limiter satisfies it.
type Throttle interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordError()
}

// reportRunner abstracts the RunReport call so tests can stub the API.
type reportRunner interface {
	RunReport(ctx context.Context, property string, req *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error)
}

type serviceRunner struct {
	svc *analyticsdata.Service
}

func (r *serviceRunner) RunReport(ctx context.Context, property string, req *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error) {
	return r.svc.Properties.RunReport(property, req).Context(ctx).Do()
}

// Window bounds the session report date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Client fetches session counts for one GA4 property. It satisfies the same
// fetch contract as the campfire fetcher, so the harvester drives either.
type Client struct {
	propertyID string
	window     Window
	throttle   Throttle
	runner     reportRunner
}

// NewClient builds a Client authenticated from the given credentials file.
func NewClient(ctx context.Context, credentialsFile, propertyID string, window Window, throttle Throttle) (*Client, error) {
	svc, err := analyticsdata.NewService(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("create analytics service: %w", err)
	}
	return &Client{
		propertyID: propertyID,
		window:     window,
		throttle:   throttle,
		runner:     &serviceRunner{svc: svc},
	}, nil
}

// Fetch returns the session count for pages whose path contains projectID.
// No matching rows means zero sessions, not an error.
func (c *Client) Fetch(ctx context.Context, projectID string) (map[report.Field]string, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle wait: %w", err)
	}

	req := &analyticsdata.RunReportRequest{
		DateRanges: []*analyticsdata.DateRange{{
			StartDate: c.window.Start.Format("2006-01-02"),
			EndDate:   c.window.End.Format("2006-01-02"),
		}},
		Dimensions: []*analyticsdata.Dimension{{Name: "pagePath"}},
		Metrics:    []*analyticsdata.Metric{{Name: "sessions"}},
		DimensionFilter: &analyticsdata.FilterExpression{
			Filter: &analyticsdata.Filter{
				FieldName: "pagePath",
				StringFilter: &analyticsdata.StringFilter{
					Value:     projectID,
					MatchType: "CONTAINS",
				},
			},
		},
	}

	resp, err := c.runner.RunReport(ctx, "properties/"+c.propertyID, req)
	if err != nil {
		c.throttle.RecordError()
		return nil, fmt.Errorf("run sessions report for project %s: %w", projectID, err)
	}
	c.throttle.RecordSuccess()

	sessions := "0"
	if len(resp.Rows) > 0 && len(resp.Rows[0].MetricValues) > 0 {
		sessions = resp.Rows[0].MetricValues[0].Value
	}
	return map[report.Field]string{report.FieldSessions: sessions}, nil
}
