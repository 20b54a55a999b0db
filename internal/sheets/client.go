// Package sheets reads campaign rows from and writes metric values back to
// the Google spreadsheet.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/machiya/campsync/internal/report"
)

// ErrAuthentication marks credential problems. These are fatal to the whole
// run; callers surface them immediately instead of attempting partial work.
var ErrAuthentication = errors.New("spreadsheet authentication failed")

// valuesAPI is the slice of the Sheets API the client uses; tests stub it.
type valuesAPI interface {
	Get(ctx context.Context, spreadsheetID, readRange string) (*sheetsapi.ValueRange, error)
	BatchUpdate(ctx context.Context, spreadsheetID string, req *sheetsapi.BatchUpdateValuesRequest) error
}

type serviceValues struct {
	svc *sheetsapi.Service
}

func (s *serviceValues) Get(ctx context.Context, spreadsheetID, readRange string) (*sheetsapi.ValueRange, error) {
	return s.svc.Spreadsheets.Values.Get(spreadsheetID, readRange).Context(ctx).Do()
}

func (s *serviceValues) BatchUpdate(ctx context.Context, spreadsheetID string, req *sheetsapi.BatchUpdateValuesRequest) error {
	_, err := s.svc.Spreadsheets.Values.BatchUpdate(spreadsheetID, req).Context(ctx).Do()
	return err
}

// Client wraps the Sheets API for one process. The underlying HTTP client is
// safe for concurrent use.
type Client struct {
	api valuesAPI
}

// NewClient authenticates from the given credentials file.
func NewClient(ctx context.Context, credentialsFile string) (*Client, error) {
	svc, err := sheetsapi.NewService(ctx, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Client{api: &serviceValues{svc: svc}}, nil
}

// ReadRows reads the given A1 range. Ragged rows are returned as-is; the
// report.Row accessors treat cells beyond a row's length as empty, so short
// rows are never an error.
func (c *Client) ReadRows(ctx context.Context, spreadsheetID, readRange string) ([]report.Row, error) {
	resp, err := c.api.Get(ctx, spreadsheetID, readRange)
	if err != nil {
		return nil, wrapAPIError(fmt.Sprintf("read range %s", readRange), err)
	}
	rows := make([]report.Row, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make(report.Row, 0, len(raw))
		for _, cell := range raw {
			row = append(row, fmt.Sprintf("%v", cell))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// CellUpdate is one pending single-cell write.
type CellUpdate struct {
	Range string
	Value string
}

// WriteBatch sends one batchUpdate call for the given cell updates.
func (c *Client) WriteBatch(ctx context.Context, spreadsheetID string, updates []CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	data := make([]*sheetsapi.ValueRange, 0, len(updates))
	for _, u := range updates {
		data = append(data, &sheetsapi.ValueRange{
			Range:  u.Range,
			Values: [][]interface{}{{u.Value}},
		})
	}
	req := &sheetsapi.BatchUpdateValuesRequest{
		ValueInputOption: "USER_ENTERED",
		Data:             data,
	}
	if err := c.api.BatchUpdate(ctx, spreadsheetID, req); err != nil {
		return wrapAPIError(fmt.Sprintf("batch write %d cells", len(updates)), err)
	}
	return nil
}

// WriteBatches chunks updates so no single call exceeds batchSize cells and
// sends them in order.
func (c *Client) WriteBatches(ctx context.Context, spreadsheetID string, updates []CellUpdate, batchSize int) error {
	for _, chunk := range Chunk(updates, batchSize) {
		if err := c.WriteBatch(ctx, spreadsheetID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func wrapAPIError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, ErrAuthentication, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
