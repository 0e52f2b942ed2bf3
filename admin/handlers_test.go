package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changelogs/common"
	"changelogs/partition"
	"changelogs/registry"
	"changelogs/store"
)

type fakeSchema map[string][]string

func (f fakeSchema) EntityAttributes(entity string) ([]string, bool, error) {
	attrs, ok := f[entity]
	return attrs, ok, nil
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	logs := store.NewMemoryStore()
	reg, err := registry.Open(fakeSchema{
		"item": {"id", "title", "ownerId"},
	}, logs)
	require.NoError(t, err)

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHandlers(reg, logs), token)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, logs
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func TestTrackUntrackOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := doRequest(t, http.MethodPost, srv.URL+"/admin/entities/item/track",
		`{"primaryKey":"id","logged":["*","-title"],"indexed":["ownerId"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg common.TrackedEntityConfig
	decodeData(t, resp, &cfg)
	assert.Equal(t, []string{"*", "-title"}, cfg.LoggedAttrs)

	resp = doRequest(t, http.MethodGet, srv.URL+"/admin/entities/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []common.TrackedEntityConfig
	decodeData(t, resp, &list)
	require.Len(t, list, 1)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/admin/entities/item/track", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, srv.URL+"/admin/entities/item/", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrackValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := doRequest(t, http.MethodPost, srv.URL+"/admin/entities/ghost/track", `{"primaryKey":"id"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/admin/entities/item/track", `{"primaryKey":"uuid"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/admin/entities/item/track", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddColumnsOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := doRequest(t, http.MethodPost, srv.URL+"/admin/entities/item/track", `{"primaryKey":"id","logged":["title"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, srv.URL+"/admin/entities/item/columns/logged", `{"columns":["ownerId"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg common.TrackedEntityConfig
	decodeData(t, resp, &cfg)
	assert.Equal(t, []string{"title", "ownerId"}, cfg.LoggedAttrs)

	resp = doRequest(t, http.MethodPost, srv.URL+"/admin/entities/item/columns/indexed", `{"columns":["owner*"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPartitionAndRecordQueries(t *testing.T) {
	srv, logs := newTestServer(t, "")

	ts := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)
	uow, err := logs.Begin(context.Background())
	require.NoError(t, err)
	rec := &common.ChangeRecord{
		Entity:     "item",
		PrimaryKey: "1",
		Timestamp:  ts,
		After:      common.Document{"title": "widget"},
		Indexed:    []common.IndexedPair{{Attr: "ownerId", Value: "42"}},
	}
	require.NoError(t, store.AppendWithProvision(logs, uow, partition.Monthly, rec))
	require.NoError(t, uow.Commit())

	resp := doRequest(t, http.MethodGet, srv.URL+"/admin/partitions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var parts []store.PartitionInfo
	decodeData(t, resp, &parts)
	require.Len(t, parts, 1)
	assert.Equal(t, "change_logs_y2026m08", parts[0].Name)

	resp = doRequest(t, http.MethodGet, srv.URL+"/admin/records/item/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []common.ChangeRecord
	decodeData(t, resp, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)

	resp = doRequest(t, http.MethodGet, srv.URL+"/admin/records/indexed?attr=ownerId&value=42", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &recs)
	require.Len(t, recs, 1)

	resp = doRequest(t, http.MethodGet, srv.URL+"/admin/records/indexed?attr=ownerId", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBearerTokenAuth(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")

	resp := doRequest(t, http.MethodGet, srv.URL+"/admin/partitions", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/partitions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
