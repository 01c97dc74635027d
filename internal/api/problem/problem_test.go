package problem

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/transfers/abc/cancel", nil)
	r.Header.Set("X-Trace-ID", "trace-123")
	w := httptest.NewRecorder()

	Write(w, r, 409, Type("transfer/invalid-state"), "Conflict", "transfer is COMPLETED")

	assert.Equal(t, 409, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var body Details
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "https://errors.remitops.dev/transfer/invalid-state", body.Type)
	assert.Equal(t, "Conflict", body.Title)
	assert.Equal(t, 409, body.Status)
	assert.Equal(t, "transfer is COMPLETED", body.Detail)
	assert.Equal(t, "/v1/transfers/abc/cancel", body.Instance)
	assert.Equal(t, "trace-123", body.RequestID)
}

func TestWriteDefaults(t *testing.T) {
	w := httptest.NewRecorder()

	Write(w, nil, 500, "", "", "something broke")

	var body Details
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "about:blank", body.Type)
	assert.Equal(t, "Internal Server Error", body.Title)
}
