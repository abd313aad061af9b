package problem

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSetsContentTypeAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, http.StatusBadRequest, "Bad Request", "bad_request", "missing field")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var d Detail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "bad_request", d.Code)
	assert.Equal(t, http.StatusBadRequest, d.Status)
	assert.Equal(t, "missing field", d.Detail)
}

func TestWriteTooManyRequestsCarriesRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 120, "backpressure_active", "not accepting new work")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "120", rec.Header().Get("Retry-After"))

	var d Detail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "backpressure_active", d.Code)
}

func TestDetailImplementsError(t *testing.T) {
	d := &Detail{Title: "Unauthorized", Detail: "token expired"}
	assert.Equal(t, "Unauthorized: token expired", d.Error())
}
