package source

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
)

func post(t *testing.T, h http.Handler, body, contentType, token string) (*httptest.ResponseRecorder, ingestResult) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var res ingestResult
	if rec.Code == http.StatusAccepted {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec, res
}

func TestHTTPSource_Formats(t *testing.T) {
	var c collector
	h := NewHTTPSource(HTTPOptions{}).Handler(c.handle)

	rec, res := post(t, h, `{"text":"single","chat_id":1}`, "application/json", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, res.Accepted)

	_, res = post(t, h, `[{"text":"a","chat_id":1},{"text":"","chat_id":2},{"text":"b","chat_id":3}]`, "", "")
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Rejected)

	_, res = post(t, h, "{\"text\":\"l1\",\"chat_id\":1}\n\n{\"text\":\"l2\",\"chat_id\":2}\n", "application/x-ndjson", "")
	assert.Equal(t, 2, res.Accepted)

	assert.Len(t, c.snapshot(), 5)
}

func TestHTTPSource_Rejections(t *testing.T) {
	var c collector
	h := NewHTTPSource(HTTPOptions{Token: "s3cret"}).Handler(c.handle)

	rec, _ := post(t, h, `{"text":"x","chat_id":1}`, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = post(t, h, `{"text":"x","chat_id":1}`, "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = post(t, h, "   ", "", "s3cret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = post(t, h, `[{"text":`, "", "s3cret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	assert.Empty(t, c.snapshot())
}

func TestHTTPSource_RateLimit(t *testing.T) {
	var c collector
	h := NewHTTPSource(HTTPOptions{RPS: 1}).Handler(c.handle)

	rec, _ := post(t, h, `{"text":"x","chat_id":1}`, "", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec, _ = post(t, h, `{"text":"y","chat_id":1}`, "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHTTPSource_RecordCap(t *testing.T) {
	var c collector
	h := NewHTTPSource(HTTPOptions{MaxRecords: 2}).Handler(c.handle)

	rec, _ := post(t, h, `[{"text":"a"},{"text":"b"},{"text":"c"}]`, "", "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, c.snapshot(), "nothing is handled from an oversized batch")

	rec, res := post(t, h, `[{"text":"a"},{"text":"b"}]`, "", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, res.Accepted)
}

func TestHTTPSource_WriteTimeout(t *testing.T) {
	srv := NewHTTPSource(HTTPOptions{}).server(context.Background(), nil)
	assert.Zero(t, srv.WriteTimeout, "paced handling is not cut off by a write deadline")

	srv = NewHTTPSource(HTTPOptions{WriteTimeout: 10 * time.Minute}).server(context.Background(), nil)
	assert.Equal(t, 10*time.Minute, srv.WriteTimeout)
}
