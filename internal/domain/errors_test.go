package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := map[int]ErrorKind{
		http.StatusUnauthorized:        ErrKindUnauthenticated,
		http.StatusForbidden:           ErrKindForbidden,
		http.StatusNotFound:            ErrKindNotFound,
		http.StatusBadRequest:          ErrKindValidation,
		http.StatusUnprocessableEntity: ErrKindValidation,
		http.StatusInternalServerError: ErrKindServerError,
		http.StatusServiceUnavailable:  ErrKindServerError,
		http.StatusTeapot:              ErrKindUnknown,
		http.StatusFound:               ErrKindUnknown,
	}
	for status, want := range tests {
		assert.Equal(t, want, ClassifyStatus(status), "status %d", status)
	}
}

func TestFetchError_Matching(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	fe := NewFetchError(ErrKindNetworkUnavailable, 0, "offline", cause)
	wrapped := fmt.Errorf("loading profile: %w", fe)

	assert.ErrorIs(t, wrapped, &FetchError{Kind: ErrKindNetworkUnavailable})
	assert.NotErrorIs(t, wrapped, &FetchError{Kind: ErrKindServerError})
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrKindNetworkUnavailable, KindOf(wrapped))
	assert.Equal(t, ErrKindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, "ServerError (502): bad gateway", NewFetchError(ErrKindServerError, 502, "bad gateway", nil).Error())
}

func TestAsFetchError(t *testing.T) {
	assert.Nil(t, AsFetchError(nil))

	fe := NewFetchError(ErrKindForbidden, 403, "no", nil)
	assert.Same(t, fe, AsFetchError(fmt.Errorf("wrapped: %w", fe)))
	assert.Equal(t, ErrKindNetworkUnavailable, AsFetchError(context.DeadlineExceeded).Kind)
	assert.Equal(t, ErrKindUnknown, AsFetchError(errors.New("odd")).Kind)
}

func TestNewUpstreamErrorResponse(t *testing.T) {
	tests := []struct {
		kind       ErrorKind
		wantCode   ErrorCode
		wantStatus int
	}{
		{ErrKindUnauthenticated, ErrAuthRequired, http.StatusUnauthorized},
		{ErrKindForbidden, ErrUpstreamFailure, http.StatusForbidden},
		{ErrKindNotFound, ErrUpstreamFailure, http.StatusNotFound},
		{ErrKindValidation, ErrUpstreamFailure, http.StatusUnprocessableEntity},
		{ErrKindNetworkUnavailable, ErrUpstreamFailure, http.StatusGatewayTimeout},
		{ErrKindServerError, ErrUpstreamFailure, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			resp, status := NewUpstreamErrorResponse(NewFetchError(tt.kind, 0, "msg", nil))
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, "msg", resp.Message)
		})
	}
}

func TestErrorResponse_WriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	NewErrorResponse(ErrBadRequest, "bad", "missing id").WriteJSON(rec, http.StatusBadRequest)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"code":"BadRequest","message":"bad","details":"missing id"}`, rec.Body.String())
}
