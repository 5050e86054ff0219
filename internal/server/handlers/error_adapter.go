package handlers

import (
	"errors"
	"net/http"

	apperrors "github.com/3leaps/ccplane/internal/errors"
	"github.com/3leaps/ccplane/pkg/agent"
	"github.com/3leaps/ccplane/pkg/command"
	"github.com/3leaps/ccplane/pkg/flowdef"
	"github.com/3leaps/ccplane/pkg/history"
	"github.com/3leaps/ccplane/pkg/job"
	"github.com/3leaps/ccplane/pkg/logstore"
	"github.com/3leaps/ccplane/pkg/provider"
	"github.com/3leaps/ccplane/pkg/zone"
)

// HTTPErrorResponder writes err to w.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder overrides the responder. Nil restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, classify(err))
}

// classify maps domain sentinels onto API errors.
func classify(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}

	var verrs flowdef.ValidationErrors
	if errors.As(err, &verrs) {
		items := make([]any, 0, len(verrs))
		for _, v := range verrs {
			items = append(items, map[string]any{"path": v.Path, "message": v.Message})
		}
		return apperrors.Wrap(err, http.StatusBadRequest, apperrors.CodeValidation, "definition is invalid").
			WithDetails(map[string]any{"errors": items})
	}

	switch {
	case errors.Is(err, zone.ErrZoneNotFound),
		errors.Is(err, agent.ErrUnknownAgent),
		errors.Is(err, command.ErrUnknownCommand),
		errors.Is(err, job.ErrUnknownJob),
		errors.Is(err, history.ErrNotFound),
		errors.Is(err, logstore.ErrNotFound),
		errors.Is(err, provider.ErrNotFound):
		return apperrors.Wrap(err, http.StatusNotFound, apperrors.CodeNotFound, "not found")

	case errors.Is(err, zone.ErrZoneAlreadyExists),
		errors.Is(err, command.ErrNotCancellable),
		errors.Is(err, job.ErrJobFinished):
		return apperrors.Wrap(err, http.StatusConflict, apperrors.CodeConflict, "conflict")

	case errors.Is(err, zone.ErrInvalidZone),
		errors.Is(err, job.ErrInvalidNode),
		errors.Is(err, job.ErrNoZone),
		errors.Is(err, command.ErrInvalidStatus),
		errors.Is(err, agent.ErrInvalidStatus),
		errors.Is(err, logstore.ErrInvalidRef),
		errors.Is(err, flowdef.ErrValidationFailed):
		return apperrors.Wrap(err, http.StatusBadRequest, apperrors.CodeValidation, "invalid request")

	case errors.Is(err, command.ErrStopped),
		errors.Is(err, job.ErrStopped):
		return apperrors.Wrap(err, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "service is shutting down")

	case provider.IsTransient(err):
		return apperrors.Wrap(err, http.StatusBadGateway, apperrors.CodeExternalService, "provider unavailable")
	}
	return err
}
