package relaycache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotionClient(server *httptest.Server, mutate func(*NotionClientOptions)) *NotionClient {
	opts := NotionClientOptions{
		BaseURL:       server.URL,
		TokenProvider: StaticToken("token_123"),
		HTTPClient:    server.Client(),
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Databases: map[EntityType]string{
			EntityTask:   "db_tasks",
			EntityClient: "db_clients",
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewNotionClient(opts)
}

func taskPage(id, title, status string) map[string]any {
	return map[string]any{
		"object":           "page",
		"id":               id,
		"last_edited_time": "2026-02-01T10:00:00.000Z",
		"properties": map[string]any{
			"Name":   map[string]any{"type": "title", "title": []any{map[string]any{"plain_text": title}}},
			"Status": map[string]any{"type": "status", "status": map[string]any{"name": status}},
			"Assignees": map[string]any{"type": "relation", "relation": []any{
				map[string]any{"id": "m1"}, map[string]any{"id": "m2"},
			}},
			"Project":      map[string]any{"type": "relation", "relation": []any{map[string]any{"id": "p1"}}},
			"Work Period":  map[string]any{"type": "date", "date": map[string]any{"start": "2026-02-01", "end": nil}},
			"Billed Hours": map[string]any{"type": "number", "number": 4.5},
			"Actual Hours": map[string]any{"type": "rollup", "rollup": map[string]any{"type": "number", "number": 6.0}},
		},
	}
}

func TestNotionClientFetchEntityDecodesPage(t *testing.T) {
	var capturedAuth, capturedVersion, capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		capturedVersion = r.Header.Get("Notion-Version")
		capturedPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(taskPage("t1", "Write docs", "In progress"))
	}))
	defer server.Close()

	client := newTestNotionClient(server, nil)
	snap, err := client.FetchEntity(context.Background(), EntityTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/pages/t1", capturedPath)
	assert.Equal(t, "Bearer token_123", capturedAuth)
	assert.NotEmpty(t, capturedVersion)

	assert.Equal(t, "t1", snap.ID())
	assert.Equal(t, "Write docs", snap.String("title"))
	assert.Equal(t, "In progress", snap.String("status"))
	assert.Equal(t, "2026-02-01T10:00:00.000Z", snap.String(DefaultLastModifiedField))
	assert.Equal(t, []string{"m1", "m2"}, snap.StringSlice("assignedMembers"))
	assert.Equal(t, "p1", snap.String("projectId"))
	assert.Equal(t, 6.0, snap["actualHours"])
	assert.Equal(t, 4.5, snap["billedHours"])
	period, ok := snap["workPeriod"].(map[string]any)
	require.True(t, ok, "got %+v", snap["workPeriod"])
	assert.Equal(t, "2026-02-01", period["start"])
}

func TestNotionClientFetchAllPaginates(t *testing.T) {
	var calls atomic.Int32
	var secondCursor string
	var firstFilter map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/databases/db_tasks/query", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch calls.Add(1) {
		case 1:
			firstFilter, _ = body["filter"].(map[string]any)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results":     []any{taskPage("t1", "One", "Todo")},
				"has_more":    true,
				"next_cursor": "cursor_2",
			})
		default:
			secondCursor, _ = body["start_cursor"].(string)
			archived := taskPage("t3", "Gone", "Done")
			archived["archived"] = true
			_ = json.NewEncoder(w).Encode(map[string]any{
				"results":     []any{taskPage("t2", "Two", "Done"), archived},
				"has_more":    false,
				"next_cursor": nil,
			})
		}
	}))
	defer server.Close()

	client := newTestNotionClient(server, nil)
	snaps, err := client.FetchAll(context.Background(), EntityTask, &FetchFilter{
		Properties:    map[string]any{"status": "Done"},
		ModifiedSince: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, snaps, 2, "archived pages are skipped")
	assert.Equal(t, "t1", snaps[0].ID())
	assert.Equal(t, "t2", snaps[1].ID())
	assert.Equal(t, "cursor_2", secondCursor)
	clauses, ok := firstFilter["and"].([]any)
	require.True(t, ok, "got %+v", firstFilter)
	assert.Len(t, clauses, 2)
}

func TestNotionClientRetriesRateLimits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(taskPage("t1", "Eventually", "Todo"))
	}))
	defer server.Close()

	throttle := NewThrottle(time.Millisecond)
	client := newTestNotionClient(server, func(o *NotionClientOptions) { o.Throttle = throttle })
	snap, err := client.FetchEntity(context.Background(), EntityTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Eventually", snap.String("title"))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(3), throttle.Calls(), "every attempt passes the throttle")
}

func TestNotionClientReturnsTypedErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/pages/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"object_not_found","message":"no such page"}`))
		case "/v1/pages":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"validation_error","message":"Name is required"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	client := newTestNotionClient(server, func(o *NotionClientOptions) { o.MaxRetries = 1 })
	ctx := context.Background()

	_, err := client.FetchEntity(ctx, EntityTask, "missing")
	var sourceErr *SourceError
	require.True(t, errors.As(err, &sourceErr), "got %v", err)
	assert.Equal(t, "object_not_found", sourceErr.Code)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsRetryable(err))

	_, err = client.Create(ctx, EntityTask, map[string]any{"notes": "x"})
	assert.ErrorIs(t, err, ErrSourceValidationRejected)

	_, err = client.Update(ctx, EntityTask, "t1", map[string]any{"title": "x"})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.True(t, IsRetryable(err))

	_, err = client.FetchAll(ctx, EntityTeam, nil)
	assert.ErrorIs(t, err, ErrInvalidInput, "no database configured for teams")
}

func TestNotionClientWritesEncodedProperties(t *testing.T) {
	var captured map[string]any
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&captured)
		page := map[string]any{
			"id":               "c9",
			"last_edited_time": "2026-02-02T00:00:00.000Z",
			"properties": map[string]any{
				"Name": map[string]any{"type": "title", "title": []any{map[string]any{"plain_text": "Acme"}}},
			},
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	client := newTestNotionClient(server, nil)
	ctx := context.Background()

	snap, err := client.Create(ctx, EntityClient, map[string]any{"name": "Acme", "color": "blue", "unknown": 1})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/v1/pages", path)
	assert.Equal(t, "c9", snap.ID())

	parent, _ := captured["parent"].(map[string]any)
	assert.Equal(t, "db_clients", parent["database_id"])
	props, _ := captured["properties"].(map[string]any)
	assert.Contains(t, props, "Name")
	color, _ := props["Color"].(map[string]any)
	sel, _ := color["select"].(map[string]any)
	assert.Equal(t, "blue", sel["name"])
	assert.Len(t, props, 2, "unmapped fields are dropped")

	_, err = client.Archive(ctx, EntityClient, "c9")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, method)
	assert.Equal(t, "/v1/pages/c9", path)
	assert.Equal(t, true, captured["archived"])
}

func TestNotionClientRequiresToken(t *testing.T) {
	client := NewNotionClient(NotionClientOptions{BaseURL: "http://127.0.0.1:1"})
	_, err := client.FetchEntity(context.Background(), EntityTask, "t1")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPropertyCodecRoundTripsSimpleKinds(t *testing.T) {
	codec := NewPropertyCodec(nil)
	props, err := codec.Encode(EntityTask, map[string]any{
		"title":           "Plan",
		"status":          "Todo",
		"assignedMembers": []any{"m1"},
		"projectId":       "p1",
		"billedHours":     2.0,
		"actualHours":     9.0,
		"workPeriod":      map[string]any{"start": "2026-01-01", "end": "2026-01-02"},
	})
	require.NoError(t, err)
	assert.NotContains(t, props, "Actual Hours", "computed properties are never written")

	// Notion echoes written properties back with their type tag.
	page := map[string]any{"id": "t1", "properties": map[string]any{}}
	for name, value := range props {
		prop := value.(map[string]any)
		kinds := make([]string, 0, 1)
		for kind := range prop {
			kinds = append(kinds, kind)
		}
		prop["type"] = kinds[0]
		page["properties"].(map[string]any)[name] = prop
	}
	raw, _ := json.Marshal(page)
	var decodedPage map[string]any
	require.NoError(t, json.Unmarshal(raw, &decodedPage))

	snap := codec.Decode(EntityTask, decodedPage)
	assert.Equal(t, "Plan", snap.String("title"))
	assert.Equal(t, "Todo", snap.String("status"))
	assert.Equal(t, "p1", snap.String("projectId"))
	assert.Equal(t, 2.0, snap["billedHours"])
	assert.Equal(t, []string{"m1"}, snap.StringSlice("assignedMembers"))
}
