// Package handlers implements the HTTP surface over the blueprint store
// and the run manager. Handlers are thin: parse, delegate, map errors.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/common/errs"
)

// VersionLockHeader carries the optimistic-concurrency lock on blueprint
// operations
const VersionLockHeader = "X-Version-Lock"

// UserHeader identifies the caller for favorites and drafts
const UserHeader = "X-User-ID"

// httpError maps the error taxonomy onto HTTP statuses
func httpError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.Validation:
		status = http.StatusUnprocessableEntity
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.PreconditionRequired:
		status = http.StatusPreconditionRequired
	case errs.Conflict:
		status = http.StatusConflict
	case errs.Timeout:
		status = http.StatusGatewayTimeout
	case errs.Cancelled:
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]any{
		"error": err.Error(),
		"kind":  string(errs.KindOf(err)),
	})
}
