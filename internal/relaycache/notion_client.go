package relaycache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.trai.ch/zerr"
)

type NotionAccessTokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields token.
func StaticToken(token string) NotionAccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type NotionClientOptions struct {
	BaseURL       string
	TokenProvider NotionAccessTokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	PageSize      int
	// Databases maps each entity type to the database holding it.
	Databases map[EntityType]string
	// Throttle gates every HTTP request, pagination and retries included.
	Throttle *Throttle
	Codec    *PropertyCodec
	Logger   *slog.Logger
}

// NotionClient is the SourceClient backed by the Notion REST API.
type NotionClient struct {
	baseURL       string
	tokenProvider NotionAccessTokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	pageSize      int
	databases     map[EntityType]string
	throttle      *Throttle
	codec         *PropertyCodec
	logger        *slog.Logger
}

func NewNotionClient(opts NotionClientOptions) *NotionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	codec := opts.Codec
	if codec == nil {
		codec = NewPropertyCodec(nil)
	}
	databases := make(map[EntityType]string, len(opts.Databases))
	for entityType, id := range opts.Databases {
		databases[entityType] = strings.TrimSpace(id)
	}
	return &NotionClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		pageSize:      pageSize,
		databases:     databases,
		throttle:      opts.Throttle,
		codec:         codec,
		logger:        loggerOrDiscard(opts.Logger),
	}
}

func (c *NotionClient) FetchEntity(ctx context.Context, entityType EntityType, id string) (snap Snapshot, err error) {
	ctx, span := startSpan(ctx, "relaycache.notion.fetch_entity",
		attribute.String("entity.type", string(entityType)),
		attribute.String("entity.id", id))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(id) == "" {
		return nil, invalidInput("entity id is required", "entity_type", string(entityType))
	}
	var page map[string]any
	if err := c.do(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(id), nil, &page); err != nil {
		return nil, err
	}
	if archived, _ := page["archived"].(bool); archived {
		return nil, &SourceError{StatusCode: http.StatusNotFound, Code: "archived", Message: "page " + id + " is archived"}
	}
	return c.codec.Decode(entityType, page), nil
}

func (c *NotionClient) FetchAll(ctx context.Context, entityType EntityType, filter *FetchFilter) (out []Snapshot, err error) {
	ctx, span := startSpan(ctx, "relaycache.notion.fetch_all", attribute.String("entity.type", string(entityType)))
	defer func() { endSpan(span, err) }()

	databaseID, err := c.database(entityType)
	if err != nil {
		return nil, err
	}
	queryFilter, err := c.buildFilter(entityType, filter)
	if err != nil {
		return nil, err
	}

	cursor := ""
	pages := 0
	for {
		body := map[string]any{"page_size": c.pageSize}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		if queryFilter != nil {
			body["filter"] = queryFilter
		}
		var resp struct {
			Results    []map[string]any `json:"results"`
			HasMore    bool             `json:"has_more"`
			NextCursor *string          `json:"next_cursor"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(databaseID)+"/query", body, &resp); err != nil {
			return nil, err
		}
		pages++
		for _, page := range resp.Results {
			if archived, _ := page["archived"].(bool); archived {
				continue
			}
			out = append(out, c.codec.Decode(entityType, page))
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		cursor = *resp.NextCursor
	}
	span.SetAttributes(attribute.Int("notion.pages", pages), attribute.Int("notion.results", len(out)))
	return out, nil
}

func (c *NotionClient) Create(ctx context.Context, entityType EntityType, payload map[string]any) (snap Snapshot, err error) {
	ctx, span := startSpan(ctx, "relaycache.notion.create", attribute.String("entity.type", string(entityType)))
	defer func() { endSpan(span, err) }()

	databaseID, err := c.database(entityType)
	if err != nil {
		return nil, err
	}
	props, err := c.codec.Encode(entityType, payload)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": props,
	}
	var page map[string]any
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &page); err != nil {
		return nil, err
	}
	return c.codec.Decode(entityType, page), nil
}

func (c *NotionClient) Update(ctx context.Context, entityType EntityType, id string, payload map[string]any) (snap Snapshot, err error) {
	ctx, span := startSpan(ctx, "relaycache.notion.update",
		attribute.String("entity.type", string(entityType)),
		attribute.String("entity.id", id))
	defer func() { endSpan(span, err) }()

	props, err := c.codec.Encode(entityType, payload)
	if err != nil {
		return nil, err
	}
	var page map[string]any
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(id), map[string]any{"properties": props}, &page); err != nil {
		return nil, err
	}
	return c.codec.Decode(entityType, page), nil
}

func (c *NotionClient) Archive(ctx context.Context, entityType EntityType, id string) (snap Snapshot, err error) {
	ctx, span := startSpan(ctx, "relaycache.notion.archive",
		attribute.String("entity.type", string(entityType)),
		attribute.String("entity.id", id))
	defer func() { endSpan(span, err) }()

	var page map[string]any
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(id), map[string]any{"archived": true}, &page); err != nil {
		return nil, err
	}
	return c.codec.Decode(entityType, page), nil
}

func (c *NotionClient) database(entityType EntityType) (string, error) {
	id := c.databases[entityType]
	if id == "" {
		return "", invalidInput("no database configured for entity type", "entity_type", string(entityType))
	}
	return id, nil
}

func (c *NotionClient) buildFilter(entityType EntityType, filter *FetchFilter) (map[string]any, error) {
	if filter == nil {
		return nil, nil
	}
	var clauses []any
	if !filter.ModifiedSince.IsZero() {
		clauses = append(clauses, map[string]any{
			"timestamp":        "last_edited_time",
			"last_edited_time": map[string]any{"on_or_after": filter.ModifiedSince.UTC().Format(time.RFC3339)},
		})
	}
	fields := make([]string, 0, len(filter.Properties))
	for field := range filter.Properties {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		clause, err := c.codec.filterFor(entityType, field, filter.Properties[field])
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	switch len(clauses) {
	case 0:
		return nil, nil
	case 1:
		return clauses[0].(map[string]any), nil
	default:
		return map[string]any{"and": clauses}, nil
	}
}

func (c *NotionClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c.tokenProvider == nil {
		return zerr.Wrap(ErrInvalidInput, "notion token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return zerr.Wrap(err, "resolve notion token")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return zerr.Wrap(ErrInvalidInput, "notion token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	target := c.baseURL + path

	for attempt := 0; ; attempt++ {
		if err := c.throttle.Wait(ctx); err != nil {
			return err
		}
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", c.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &SourceError{StatusCode: http.StatusServiceUnavailable, Code: "network_error", Message: err.Error()}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &SourceError{StatusCode: http.StatusServiceUnavailable, Code: "network_error", Message: readErr.Error()}
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return zerr.With(zerr.Wrap(err, "decode notion response"), "path", path)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
			c.logger.DebugContext(ctx, "notion request retrying",
				"method", method,
				"path", path,
				"status", resp.StatusCode,
				"attempt", attempt+1,
				"delay", delay)
			if waitErr := sleepContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}
		return parseSourceError(resp.StatusCode, respBody)
	}
}

func parseSourceError(status int, body []byte) *SourceError {
	out := &SourceError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			out.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			out.Message = message
		}
	}
	if out.Message == "" {
		out.Message = fmt.Sprintf("http %d", status)
	}
	return out
}

func (c *NotionClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
