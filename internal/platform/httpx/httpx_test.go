package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
		detail string
	}{
		{fmt.Errorf("%w: visit 42", ErrNotFound), http.StatusNotFound, "urn:carebook:problem:not-found", "resource not found: visit 42"},
		{ErrDuplicate, http.StatusConflict, "urn:carebook:problem:duplicate", "duplicate entry"},
		{fmt.Errorf("run: %w", ErrConflict), http.StatusConflict, "urn:carebook:problem:conflict", "run: conflict"},
		{fmt.Errorf("%w: from required", ErrValidation), http.StatusBadRequest, "urn:carebook:problem:validation", "validation failed: from required"},
		{ErrUnavailable, http.StatusServiceUnavailable, "urn:carebook:problem:unavailable", "service unavailable"},
		{errors.New("pq: password leaked"), http.StatusInternalServerError, "about:blank", ""},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)

		require.Equal(t, tc.status, rr.Code, tc.err.Error())
		assert.Equal(t, problemContentType, rr.Header().Get("Content-Type"))
		var p ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
		assert.Equal(t, tc.typ, p.Type)
		assert.Equal(t, tc.status, p.Status)
		assert.Equal(t, tc.detail, p.Detail)
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		From string `json:"from"`
	}
	newReq := func(s string) *http.Request {
		return httptest.NewRequest(http.MethodPost, "/", strings.NewReader(s))
	}

	var b body
	require.NoError(t, DecodeJSON(newReq(`{"from":"2025-01-01"}`), &b))
	assert.Equal(t, "2025-01-01", b.From)

	b = body{From: "kept"}
	require.NoError(t, DecodeJSON(newReq(""), &b))
	assert.Equal(t, "kept", b.From)

	assert.Error(t, DecodeJSON(newReq(`{"from":"x","to":"y"}`), &b))
	assert.Error(t, DecodeJSON(newReq(`{"from":"x"}{"from":"y"}`), &b))
	assert.Error(t, DecodeJSON(newReq(`{"from":`), &b))
}
