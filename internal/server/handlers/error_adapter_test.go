package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/ccplane/internal/errors"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/flowdef"
	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/zone"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	// Save original
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	t.Run("sets custom responder", func(t *testing.T) {
		called := false
		customResponder := func(w http.ResponseWriter, r *http.Request, err error) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		}

		SetHTTPErrorResponder(customResponder)

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, assert.AnError)

		assert.True(t, called)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("nil resets to default", func(t *testing.T) {
		// Set a custom responder first
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		})

		// Reset with nil
		SetHTTPErrorResponder(nil)

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, zone.ErrZoneNotFound)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResetHTTPErrorResponder(t *testing.T) {
	// Save original
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	// Set a custom responder
	customCalled := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		customCalled = true
	})

	// Reset to default
	ResetHTTPErrorResponder()

	// Verify it's reset (default responder is not our custom one)
	assert.False(t, customCalled)
	assert.NotNil(t, httpErrorResponder)
}

func TestRespondWithError(t *testing.T) {
	// Save original
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	called := false
	var capturedErr error

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		called = true
		capturedErr = err
		w.WriteHeader(http.StatusInternalServerError)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	respondWithError(rec, req, assert.AnError)

	assert.True(t, called)
	assert.Equal(t, assert.AnError, capturedErr)
}

func TestDefaultResponderClassifiesDomainErrors(t *testing.T) {
	ResetHTTPErrorResponder()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"zone not found", fmt.Errorf("get: %w", zone.ErrZoneNotFound), http.StatusNotFound, apperrors.CodeNotFound},
		{"zone exists", zone.ErrZoneAlreadyExists, http.StatusConflict, apperrors.CodeConflict},
		{"invalid zone", fmt.Errorf("%w: provider is required", zone.ErrInvalidZone), http.StatusBadRequest, apperrors.CodeValidation},
		{"unknown command", command.ErrUnknownCommand, http.StatusNotFound, apperrors.CodeNotFound},
		{"command terminal", command.ErrNotCancellable, http.StatusConflict, apperrors.CodeConflict},
		{"job finished", job.ErrJobFinished, http.StatusConflict, apperrors.CodeConflict},
		{"no zone", job.ErrNoZone, http.StatusBadRequest, apperrors.CodeValidation},
		{"stopped", command.ErrStopped, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable},
		{"plain", assert.AnError, http.StatusInternalServerError, apperrors.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			rec := httptest.NewRecorder()

			respondWithError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
		})
	}
}

func TestDefaultResponderValidationDetails(t *testing.T) {
	ResetHTTPErrorResponder()

	err := flowdef.ValidationErrors{
		{Path: "/children/0/retry", Message: "must be >= 0"},
		{Path: "/name", Message: "required"},
	}

	req := httptest.NewRequest("POST", "/jobs", nil)
	rec := httptest.NewRecorder()
	respondWithError(rec, req, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	items, ok := body.Error.Details["errors"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 2)
}
