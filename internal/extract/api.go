package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/itchyny/gojq"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/jsonmap"
	"github.com/datacraft-io/lakehouse/internal/lake"
	"github.com/datacraft-io/lakehouse/internal/pattern"
)

var (
	// ErrNoResponseStep is returned when an API workflow has only TOKEN
	// steps.
	ErrNoResponseStep = errors.New("api workflow has no response step")

	// ErrTokenMissing is returned when the configured token_path selects
	// nothing in a token response.
	ErrTokenMissing = errors.New("token not found in response")
)

// API step types in ctl_api_connections_dtl.
const stepTypeToken = "TOKEN"

// Auth types of TOKEN steps.
const (
	authOAuth          = "oauth"
	authServiceAccount = "service_account"
	authBasic          = "basic_auth"
	authCustom         = "custom"
)

const defaultTokenPath = "access_token"

// currentDateRegex matches $current_date[-N][:FORMAT]$ placeholders in
// request bodies.
var currentDateRegex = regexp.MustCompile(`\$current_date(?:-\d+)?(?::[^$]+)?\$`)

var dayOffsetRegex = regexp.MustCompile(`-\d+`)

// extractAPI drives the workflow configured in ctl_api_connections_dtl:
// TOKEN steps establish the Authorization header, the first response step
// produces the document, and the column metadata maps it into rows written
// as one delimited file in the inbound zone.
func (e *Extractor) extractAPI(ctx context.Context, detail *catalog.AcquisitionDetail) error {
	steps, err := e.store.APIConnectionDetails(ctx, detail.PreIngestionDatasetID)
	if err != nil {
		return err
	}

	if len(steps) == 0 {
		return fmt.Errorf("%w: dataset %d has no api steps", ErrNoResponseStep, detail.PreIngestionDatasetID)
	}

	metadata, err := e.store.ColumnMetadata(ctx, detail.PreIngestionDatasetID)
	if err != nil {
		return err
	}

	columns := make([]string, len(metadata))
	expressions := make([]string, len(metadata))

	for i, column := range metadata {
		columns[i] = column.SourceColumnName
		expressions[i] = column.ColumnJSONMapping
	}

	mapping, err := jsonmap.Compile(columns, expressions)
	if err != nil {
		return err
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

	machine := &workflowMachine{
		client:  e.client,
		limiter: e.limiter,
		now:     e.now,
		headers: map[string]string{},
	}

	document, err := machine.run(ctx, steps)

	var result *frame.Frame
	if err == nil {
		result, err = mapDocument(mapping, document)
	}

	if err == nil {
		err = e.writeInbound(ctx, result, target, detail.OutboundFileDelimiter)
	}

	if err != nil {
		e.logAttempt(ctx, detail, batchID, startedAt, catalog.PlatformAPI, "", err)

		return fmt.Errorf("extracting from api: %w", err)
	}

	e.logAttempt(ctx, detail, batchID, startedAt, catalog.PlatformAPI, target.URI, nil)
	e.logger.Info("acquired api extract",
		slog.String("target", target.URI),
		slog.Int("rows", result.NumRows()),
	)

	return nil
}

// mapDocument projects a workflow response through the column mapping. A
// fan-out response maps each inner document and concatenates the rows.
func mapDocument(mapping *jsonmap.Mapping, document any) (*frame.Frame, error) {
	if wrapper, ok := document.(map[string]any); ok {
		if responses, ok := wrapper["values_based_response"].([]any); ok {
			frames := make([]*frame.Frame, 0, len(responses))

			for _, response := range responses {
				mapped, err := mapping.Apply(response)
				if err != nil {
					return nil, err
				}

				frames = append(frames, mapped)
			}

			if len(frames) == 0 {
				return mapping.Apply(map[string]any{})
			}

			return frames[0].Concat(frames[1:]...), nil
		}
	}

	return mapping.Apply(document)
}

// workflowMachine executes one API workflow: it accumulates auth headers
// from TOKEN steps and dispatches the response step.
type workflowMachine struct {
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	headers map[string]string
}

func (m *workflowMachine) run(ctx context.Context, steps []catalog.APIConnectionDetail) (any, error) {
	for i := range steps {
		step := &steps[i]

		if step.Type == stepTypeToken {
			if err := m.fetchToken(ctx, step); err != nil {
				return nil, err
			}

			continue
		}

		return m.makeRequest(ctx, step)
	}

	return nil, ErrNoResponseStep
}

// fetchToken resolves one TOKEN step into an Authorization header.
func (m *workflowMachine) fetchToken(ctx context.Context, step *catalog.APIConnectionDetail) error {
	switch step.AuthType {
	case authOAuth:
		form := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {step.ClientID},
			"client_secret": {step.ClientSecret},
		}

		token, err := m.exchangeForm(ctx, methodOrDefault(step.Method), step.TokenURL, form, tokenPathOrDefault(step.TokenPath))
		if err != nil {
			return err
		}

		m.headers["Authorization"] = step.TokenType + " " + token

		return nil
	case authServiceAccount:
		assertion, err := signServiceAccountJWT(step, m.now())
		if err != nil {
			return err
		}

		form := url.Values{
			"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
			"assertion":  {assertion},
		}

		token, err := m.exchangeForm(ctx, http.MethodPost, step.TokenURL, form, tokenPathOrDefault(step.TokenPath))
		if err != nil {
			return err
		}

		m.headers["Authorization"] = "Bearer " + token

		return nil
	case authBasic:
		credentials := base64.StdEncoding.EncodeToString([]byte(step.Username + ":" + step.Password))
		m.headers["Authorization"] = "Basic " + credentials

		return nil
	case authCustom:
		document, err := m.fetchJSON(ctx, methodOrDefault(step.Method), step.TokenURL)
		if err != nil {
			return err
		}

		token, err := tokenAtPath(document, step.TokenPath)
		if err != nil {
			return err
		}

		m.headers["Authorization"] = "Bearer " + token

		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAuthType, step.AuthType)
	}
}

// signServiceAccountJWT builds the RS256 assertion for the JWT-bearer
// grant. The token endpoint is the audience.
func signServiceAccountJWT(step *catalog.APIConnectionDetail, now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(step.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parsing service account key: %w", err)
	}

	claims := jwt.MapClaims{
		"iss":   step.Issuer,
		"scope": step.Scope,
		"aud":   step.TokenURL,
		"exp":   now.Add(60 * time.Minute).Unix(),
		"iat":   now.Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing service account assertion: %w", err)
	}

	return assertion, nil
}

// exchangeForm posts a form to the token endpoint and extracts the token.
func (m *workflowMachine) exchangeForm(ctx context.Context, method, tokenURL string, form url.Values, tokenPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	document, err := m.doJSON(req)
	if err != nil {
		return "", err
	}

	return tokenAtPath(document, tokenPath)
}

func (m *workflowMachine) fetchJSON(ctx context.Context, method, requestURL string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}

	return m.doJSON(req)
}

func (m *workflowMachine) doJSON(req *http.Request) (any, error) {
	if err := m.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return nil, fmt.Errorf("%s returned %d: %s", req.URL, resp.StatusCode, body)
	}

	var document any
	if err := json.NewDecoder(resp.Body).Decode(&document); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", req.URL, err)
	}

	return document, nil
}

// tokenAtPath extracts the token with a jq path query; a dotted path
// addresses nested documents.
func tokenAtPath(document any, path string) (string, error) {
	query, err := gojq.Parse("." + strings.TrimPrefix(path, "."))
	if err != nil {
		return "", fmt.Errorf("parsing token path %q: %w", path, err)
	}

	iter := query.Run(document)

	v, ok := iter.Next()
	if !ok {
		return "", fmt.Errorf("%w: path %q", ErrTokenMissing, path)
	}

	if err, isErr := v.(error); isErr {
		return "", fmt.Errorf("evaluating token path %q: %w", path, err)
	}

	token, ok := v.(string)
	if !ok || token == "" {
		return "", fmt.Errorf("%w: path %q", ErrTokenMissing, path)
	}

	return token, nil
}

// makeRequest dispatches the response step, fanning out over body_values
// when configured.
func (m *workflowMachine) makeRequest(ctx context.Context, step *catalog.APIConnectionDetail) (any, error) {
	headers := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		headers[k] = v
	}

	if step.Headers != "" {
		var extra map[string]string
		if err := json.Unmarshal([]byte(step.Headers), &extra); err != nil {
			return nil, fmt.Errorf("decoding step headers: %w", err)
		}

		for k, v := range extra {
			headers[k] = v
		}
	}

	params, err := decodeParams(step.Params)
	if err != nil {
		return nil, err
	}

	dataRaw := renderDatePlaceholders(step.Data, m.now())
	jsonRaw := renderDatePlaceholders(step.JSONBody, m.now())
	method := methodOrDefault(step.Method)

	if step.BodyValues == "" {
		return m.dispatch(ctx, method, step.URL, headers, params, dataRaw, jsonRaw)
	}

	bodies, err := expandBodyValues(step.BodyValues, dataRaw, jsonRaw)
	if err != nil {
		return nil, err
	}

	responses := make([]any, len(bodies))
	group, groupCtx := errgroup.WithContext(ctx)

	for i, body := range bodies {
		group.Go(func() error {
			response, err := m.dispatch(groupCtx, method, step.URL, headers, params, body.data, body.jsonBody)
			if err != nil {
				return err
			}

			responses[i] = response

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return map[string]any{"values_based_response": responses}, nil
}

// requestBody is one fanned-out request payload pair.
type requestBody struct {
	data     string
	jsonBody string
}

// expandBodyValues substitutes every Cartesian combination of the
// body_values placeholders into the body templates. Keys substitute in
// sorted order so the fan-out sequence is deterministic.
func expandBodyValues(bodyValues, dataTemplate, jsonTemplate string) ([]requestBody, error) {
	var groups []map[string][]string
	if err := json.Unmarshal([]byte(bodyValues), &groups); err != nil {
		return nil, fmt.Errorf("decoding body_values: %w", err)
	}

	var out []requestBody

	for _, group := range groups {
		keys := make([]string, 0, len(group))
		for key := range group {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		lists := make([][]string, len(keys))
		for i, key := range keys {
			lists[i] = group[key]
		}

		for _, combination := range cartesian(lists) {
			body := requestBody{data: dataTemplate, jsonBody: jsonTemplate}

			for i, key := range keys {
				body.data = strings.ReplaceAll(body.data, key, combination[i])
				body.jsonBody = strings.ReplaceAll(body.jsonBody, key, combination[i])
			}

			out = append(out, body)
		}
	}

	return out, nil
}

// cartesian enumerates the product of the value lists in order.
func cartesian(lists [][]string) [][]string {
	out := [][]string{{}}

	for _, list := range lists {
		var next [][]string

		for _, prefix := range out {
			for _, value := range list {
				next = append(next, append(append([]string(nil), prefix...), value))
			}
		}

		out = next
	}

	return out
}

// dispatch executes one HTTP request. A JSON body wins over form data when
// both are configured.
func (m *workflowMachine) dispatch(ctx context.Context, method, requestURL string, headers map[string]string, params url.Values, dataRaw, jsonRaw string) (any, error) {
	var body io.Reader

	contentType := ""

	switch {
	case jsonRaw != "":
		body = strings.NewReader(jsonRaw)
		contentType = "application/json"
	case dataRaw != "":
		form, err := decodeForm(dataRaw)
		if err != nil {
			return nil, err
		}

		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	if len(params) > 0 {
		sep := "?"
		if strings.Contains(requestURL, "?") {
			sep = "&"
		}

		requestURL += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("building api request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return m.doJSON(req)
}

// decodeParams parses the JSON params column into query values.
func decodeParams(raw string) (url.Values, error) {
	if raw == "" {
		return nil, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decoding step params: %w", err)
	}

	params := url.Values{}
	for key, value := range decoded {
		params.Set(key, scalarText(value))
	}

	return params, nil
}

// decodeForm parses the JSON data column into form values.
func decodeForm(raw string) (url.Values, error) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decoding step data: %w", err)
	}

	form := url.Values{}
	for key, value := range decoded {
		form.Set(key, scalarText(value))
	}

	return form, nil
}

func scalarText(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}

		return strconv.FormatFloat(value, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func methodOrDefault(method string) string {
	if method == "" {
		return http.MethodGet
	}

	return strings.ToUpper(method)
}

func tokenPathOrDefault(path string) string {
	if path == "" {
		return defaultTokenPath
	}

	return path
}

// renderDatePlaceholders replaces every $current_date[-N][:FORMAT]$
// placeholder with the rendered date. FORMAT is strftime-style and
// defaults to %Y-%m-%d; -N subtracts days.
func renderDatePlaceholders(raw string, now time.Time) string {
	if raw == "" {
		return raw
	}

	return currentDateRegex.ReplaceAllStringFunc(raw, func(match string) string {
		inner := strings.Trim(match, "$")

		datePart, format, hasFormat := strings.Cut(inner, ":")
		if !hasFormat {
			format = "%Y-%m-%d"
		}

		days := 0
		if offset := dayOffsetRegex.FindString(datePart); offset != "" {
			days, _ = strconv.Atoi(offset)
		}

		return now.AddDate(0, 0, days).Format(frame.StrftimeLayout(format))
	})
}
