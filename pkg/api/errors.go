package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/snopsgo/snops/pkg/cannon"
	"github.com/snopsgo/snops/pkg/control"
	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/registry"
	"github.com/snopsgo/snops/pkg/reconcile"
	"github.com/snopsgo/snops/pkg/resolve"
)

// errorEnvelope is the HTTP error body shape every failed request
// returns: `{errors: [{type, error}]}`.
type errorEnvelope struct {
	Errors []errorItem `json:"errors"`
}

type errorItem struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// kinder lets an error self-report the kebab-ish tag used for its
// errorItem.Type field; any error not implementing it falls back to a
// generic tag.
type kinder interface{ Kind() string }

// mapServiceError translates a domain error into the HTTP status and
// envelope body assigned to each error family.
func mapServiceError(err error) *echo.HTTPError {
	status := http.StatusInternalServerError
	tag := "internal"

	switch {
	case errors.As(err, new(*registry.NotFoundError)):
		status, tag = http.StatusNotFound, "agent-not-found"
	case errors.As(err, new(*env.EnvNotFoundError)):
		status, tag = http.StatusNotFound, "env-not-found"
	case errors.As(err, new(*env.InsufficientAgentsError)):
		status, tag = http.StatusConflict, "insufficient-agents"
	case errors.As(err, new(*control.NotConnectedError)):
		status, tag = http.StatusConflict, "agent-not-connected"
	case errors.As(err, new(*control.CannonNotFoundError)):
		status, tag = http.StatusNotFound, "cannon-not-found"
	case errors.As(err, new(*control.CannonAlreadyRunningError)):
		status, tag = http.StatusConflict, "cannon-already-running"
	case errors.As(err, new(*control.NotBoundError)):
		status, tag = http.StatusConflict, "agent-not-bound"
	case errors.As(err, new(*control.StorageNotFoundError)):
		status, tag = http.StatusNotFound, "storage-not-found"
	case errors.As(err, new(*reconcile.BatchReconcileError)):
		status, tag = http.StatusConflict, "reconcile-failed"
	case errors.As(err, new(*reconcile.NotConnectedError)):
		status, tag = http.StatusConflict, "agent-not-connected"
	case errors.As(err, new(*resolve.SourceAgentNotFoundError)):
		status, tag = http.StatusBadRequest, "resolve-source-not-found"
	case errors.As(err, new(*cannon.NoOnlineTargetError)):
		status, tag = http.StatusConflict, "no-online-target"
	default:
		if k, ok := err.(kinder); ok {
			status, tag = http.StatusBadRequest, k.Kind()
		}
	}

	return echo.NewHTTPError(status, errorEnvelope{Errors: []errorItem{{Type: tag, Error: err.Error()}}})
}
