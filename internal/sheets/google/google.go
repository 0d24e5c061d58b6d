package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"groupsave/internal/core"
	ports "groupsave/internal/sheets"
)

const defaultSheetName = "Activity"

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
}

// Ensure interface conformance
var (
	_ ports.ActivityExporter = (*Client)(nil)
	_ ports.HeaderWriter     = (*Client)(nil)
)

// Options selects the spreadsheet and the credentials. A service account
// takes precedence over an OAuth client and token pair.
type Options struct {
	SpreadsheetID string
	SheetName     string

	ServiceAccountJSON string
	ServiceAccountFile string

	OAuthClientJSON string
	OAuthClientFile string
	OAuthTokenJSON  string
	OAuthTokenFile  string
}

// New creates a Sheets client for activity export.
func New(ctx context.Context, opts Options) (*Client, error) {
	spreadsheetID := strings.TrimSpace(opts.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	clientOpts, err := credentialOptions(ctx, opts)
	if err != nil {
		return nil, err
	}
	svc, err := gsheet.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Google Sheets service created", "spreadsheet_id", spreadsheetID)
	return NewWithService(svc, spreadsheetID, opts.SheetName), nil
}

// NewWithService wraps an existing service, e.g. one pointed at a test endpoint.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheetName string) *Client {
	sheetName = strings.TrimSpace(sheetName)
	if sheetName == "" {
		sheetName = defaultSheetName
	}
	return &Client{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName}
}

func credentialOptions(ctx context.Context, opts Options) ([]goption.ClientOption, error) {
	saJSON, err := inlineOrFile(opts.ServiceAccountJSON, opts.ServiceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	if len(saJSON) > 0 {
		slog.InfoContext(ctx, "Using service account credentials", "json_length", len(saJSON))
		return []goption.ClientOption{
			goption.WithCredentialsJSON(saJSON),
			goption.WithScopes(gsheet.SpreadsheetsScope),
		}, nil
	}

	clientJSON, err := inlineOrFile(opts.OAuthClientJSON, opts.OAuthClientFile)
	if err != nil {
		return nil, fmt.Errorf("read oauth client file: %w", err)
	}
	tokenJSON, err := inlineOrFile(opts.OAuthTokenJSON, opts.OAuthTokenFile)
	if err != nil {
		return nil, fmt.Errorf("read oauth token file: %w", err)
	}
	if len(clientJSON) == 0 || len(tokenJSON) == 0 {
		return nil, errors.New("missing credentials (set a service account, or an OAuth client and token)")
	}

	cfg, err := googleoauth.ConfigFromJSON(clientJSON, gsheet.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("oauth config: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(tokenJSON, &tok); err != nil {
		return nil, fmt.Errorf("oauth token: %w", err)
	}

	// The oauth2 transport wraps the pooled client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, newHTTPClientWithPooling())
	slog.InfoContext(ctx, "Using OAuth user credentials")
	return []goption.ClientOption{goption.WithHTTPClient(cfg.Client(ctx, &tok))}, nil
}

func inlineOrFile(inline, path string) ([]byte, error) {
	if s := strings.TrimSpace(inline); s != "" {
		return []byte(s), nil
	}
	if path = strings.TrimSpace(path); path != "" {
		return os.ReadFile(path)
	}
	return nil, nil
}

// newHTTPClientWithPooling creates an HTTP client for the Sheets API with
// connection pooling and bounded timeouts.
func newHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

// ExportActivity appends one row after the last non-empty row of the sheet
// and returns the A1 range it was written to.
func (c *Client) ExportActivity(ctx context.Context, a core.GroupActivity) (string, error) {
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	if a.ID == "" || a.GroupID == "" {
		return "", fmt.Errorf("activity without id or group")
	}

	rng := columnRange(c.sheetName, len(ports.Columns))
	vr := &gsheet.ValueRange{Values: [][]any{activityRow(a)}}
	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("append to sheet %s: %w", c.sheetName, err)
	}
	if resp.Updates == nil || resp.Updates.UpdatedRange == "" {
		return "", nil
	}

	ref := resp.Updates.UpdatedRange
	if row, err := rowNumber(ref); err == nil {
		slog.DebugContext(ctx, "Exported activity", "activity_id", a.ID, "row", row)
	}
	return ref, nil
}

// EnsureHeader writes the column titles when the first row is empty.
func (c *Client) EnsureHeader(ctx context.Context) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	sheet := strings.ReplaceAll(c.sheetName, "'", "''")
	first := fmt.Sprintf("'%s'!A1:%c1", sheet, 'A'+rune(len(ports.Columns)-1))

	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, first).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read %s: %w", first, err)
	}
	if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
		return nil
	}

	header := make([]any, len(ports.Columns))
	for i, col := range ports.Columns {
		header[i] = col
	}
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, first, &gsheet.ValueRange{Values: [][]any{header}}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write header to %s: %w", first, err)
	}
	slog.InfoContext(ctx, "Wrote activity sheet header", "sheet", c.sheetName)
	return nil
}
