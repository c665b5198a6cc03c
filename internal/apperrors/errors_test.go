package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("search: %w", QueryTooLong(4000))

	assert.True(t, errors.Is(err, ErrQueryTooLong))
	assert.False(t, errors.Is(err, ErrUnsupportedFilter))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"provider", Provider("embedding failed", errors.New("503")), true},
		{"permanent provider", ProviderPermanent("embedding rejected", errors.New("401")), false},
		{"timeout", Timeout("embedding timed out", nil), true},
		{"validation", Validation("missing dataset"), false},
		{"plain error", errors.New("boom"), false},
		{"wrapped provider", fmt.Errorf("batch 2: %w", Provider("x", nil)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestPartialFailureAsStructuredError(t *testing.T) {
	pf := &PartialFailureError{Written: 300, TotalBatches: 5, FailedBatches: []int{2}}

	var e *Error
	require.True(t, errors.As(fmt.Errorf("ingest: %w", pf), &e))
	assert.Equal(t, KindPartialFailure, e.Kind)
	assert.Equal(t, CodePartialFailure, e.Code)
	assert.Equal(t, http.StatusMultiStatus, HTTPStatus(pf))
}

func TestFromHidesUnknownErrors(t *testing.T) {
	e := From(errors.New("pq: relation \"documents\" does not exist"))
	assert.Equal(t, CodeProviderError, e.Code)
	assert.Equal(t, "internal error", e.Message)
}

func TestWriteHTTPDoesNotEchoCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, Provider("embedding provider returned an error", errors.New(`{"error":"sk-secret invalid"}`)))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret")

	var body Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeProviderError, body.Error.Code)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(QueryTooLong(4000)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(InputTooLarge("chunk 3")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(ErrUnauthorized))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("dataset %s", "a")))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(Timeout("slow", nil)))
}
