package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/pattern"
)

const (
	salesforceTokenPath = "/services/oauth2/token"
	salesforceQueryPath = "/services/data/v62.0/queryAll"
)

// salesforceConnectionConfig is the connection_config payload of a
// Salesforce or Veeva source.
type salesforceConnectionConfig struct {
	Domain       string `json:"domain"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// salesforceQueryPage is one page of a queryAll response.
type salesforceQueryPage struct {
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

// extractSalesforce queries a Salesforce object with the client-credentials
// flow, follows pagination until done and writes one delimited file to the
// inbound zone.
func (e *Extractor) extractSalesforce(ctx context.Context, detail *catalog.AcquisitionDetail) error {
	conn, err := e.store.AcquisitionConnection(ctx, detail.OutboundSourcePlatform, detail.OutboundSourceSystem)
	if err != nil {
		return err
	}

	var cfg salesforceConnectionConfig
	if err := json.Unmarshal([]byte(conn.ConnectionConfig), &cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConnectionConfig, err)
	}

	if cfg.Domain == "" {
		return fmt.Errorf("%w: salesforce domain is required", ErrBadConnectionConfig)
	}

	fileName := pattern.Render(detail.OutboundSourceFilePattern, e.now())
	target := lake.Child(detail.InboundLocation, e.env, fileName)

	processed, err := e.processedLocations(ctx, detail)
	if err != nil {
		return err
	}

	if processed[target.URI] {
		return fmt.Errorf("%w: %s already acquired", ErrNoUnprocessedFiles, fileName)
	}

	startedAt := e.now()
	batchID := catalog.NewBatchID(startedAt)

	result, err := e.querySalesforce(ctx, &cfg, detail)
	if err == nil {
		err = e.writeInbound(ctx, result, target, detail.OutboundFileDelimiter)
	}

	if err != nil {
		e.logAttempt(ctx, detail, batchID, startedAt, detail.OutboundSourcePlatform, "", err)

		return fmt.Errorf("extracting from salesforce: %w", err)
	}

	e.logAttempt(ctx, detail, batchID, startedAt, detail.OutboundSourcePlatform, target.URI, nil)
	e.logger.Info("acquired salesforce extract",
		slog.String("dataset", detail.PreIngestionDatasetName),
		slog.String("target", target.URI),
		slog.Int("rows", result.NumRows()),
	)

	return nil
}

func (e *Extractor) querySalesforce(ctx context.Context, cfg *salesforceConnectionConfig, detail *catalog.AcquisitionDetail) (*frame.Frame, error) {
	domain := strings.TrimSuffix(cfg.Domain, "/")

	oauthCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     domain + salesforceTokenPath,
	}

	// Route the token exchange and the query through the shared client.
	client := oauthCfg.Client(context.WithValue(ctx, oauth2.HTTPClient, e.client))

	columns := splitColumns(detail.Columns)
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: salesforce columns are required", ErrBadConnectionConfig)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ","), detail.PreIngestionDatasetName)
	next := salesforceQueryPath + "?" + url.Values{"q": {query}}.Encode()

	out := frame.New(columns...)

	for {
		page, err := fetchSalesforcePage(ctx, client, domain+next)
		if err != nil {
			return nil, err
		}

		for _, record := range page.Records {
			row := make([]frame.Value, len(columns))
			for i, column := range columns {
				row[i] = cellFromJSON(record[column])
			}

			if err := out.AppendRow(row...); err != nil {
				return nil, err
			}
		}

		if page.Done {
			return out, nil
		}

		next = page.NextRecordsURL
	}
}

func fetchSalesforcePage(ctx context.Context, client *http.Client, pageURL string) (*salesforceQueryPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building salesforce request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying salesforce: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, fmt.Errorf("salesforce query returned %d: %s", resp.StatusCode, body)
	}

	var page salesforceQueryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding salesforce response: %w", err)
	}

	return &page, nil
}

// splitColumns parses the comma-separated columns column.
func splitColumns(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
