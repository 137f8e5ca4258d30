package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdesk/opsdesk/pkg/contextkeys"
)

func TestParsePage(t *testing.T) {
	cases := []struct {
		query     string
		wantPage  int
		wantLimit int
	}{
		{"", 1, 25},
		{"page=3&limit=10", 3, 10},
		{"page=0&limit=-5", 1, 25},
		{"limit=9999", 1, 100},
		{"page=abc", 1, 25},
	}
	for _, tc := range cases {
		r := &http.Request{URL: &url.URL{RawQuery: tc.query}}
		page, limit := ParsePage(r, 25, 100)
		assert.Equal(t, tc.wantPage, page, "query %q", tc.query)
		assert.Equal(t, tc.wantLimit, limit, "query %q", tc.query)
	}
}

func TestParseQueryTime(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?at=2026-08-01T12:00:00Z", nil)
	ts, err := ParseQueryTime(r, "at")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, 2026, ts.Year())

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	ts, err = ParseQueryTime(r, "at")
	require.NoError(t, err)
	assert.Nil(t, ts)

	r = httptest.NewRequest(http.MethodGet, "/?at=yesterday", nil)
	_, err = ParseQueryTime(r, "at")
	assert.Error(t, err)
}

func TestParsePathInt64(t *testing.T) {
	r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/tickets/42", nil), map[string]string{"id": "42"})
	id, err := ParsePathInt64(r, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	r = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/tickets/x", nil), map[string]string{"id": "x"})
	_, err = ParsePathInt64(r, "id")
	assert.Error(t, err)

	_, err = ParsePathInt64(httptest.NewRequest(http.MethodGet, "/tickets", nil), "id")
	assert.Error(t, err)
}

func TestErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteForbidden(rec, CodeAccessDenied, "you do not have access to this resource")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, CodeAccessDenied, resp.Code)
	assert.NotEmpty(t, resp.Message)
}

func TestWritePaged(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WritePaged(rec, []string{"a", "b"}, 2, 2, 5))

	var resp struct {
		Data       []string `json:"data"`
		Pagination struct {
			Page       int   `json:"page"`
			Limit      int   `json:"limit"`
			Total      int64 `json:"total"`
			TotalPages int   `json:"total_pages"`
		} `json:"pagination"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []string{"a", "b"}, resp.Data)
	assert.Equal(t, 2, resp.Pagination.Page)
	assert.Equal(t, int64(5), resp.Pagination.Total)
	assert.Equal(t, 3, resp.Pagination.TotalPages)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = contextkeys.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "inbound-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "inbound-id", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), CodeInternal))
}
