package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/core/blueprint"
	"github.com/lyzr/flowcore/core/registry"
)

// BlueprintHandler serves blueprint CRUD under version-lock discipline
type BlueprintHandler struct {
	store    blueprint.Store
	registry *registry.Registry
	log      *logger.Logger
}

// NewBlueprintHandler creates a blueprint handler
func NewBlueprintHandler(store blueprint.Store, reg *registry.Registry, log *logger.Logger) *BlueprintHandler {
	return &BlueprintHandler{store: store, registry: reg, log: log}
}

// Create stores a new blueprint
// POST /api/v1/blueprints, X-Version-Lock: __new__
func (h *BlueprintHandler) Create(c echo.Context) error {
	var bp blueprint.Blueprint
	if err := c.Bind(&bp); err != nil {
		return httpError(c, errs.Wrap(errs.Validation, "invalid blueprint body", err))
	}
	if bp.SchemaVersion == "" {
		bp.SchemaVersion = blueprint.SchemaVersion
	}
	if err := bp.PopulateToolSchemas(h.registry); err != nil {
		return httpError(c, err)
	}

	lock := c.Request().Header.Get(VersionLockHeader)
	id, newLock, err := h.store.Create(c.Request().Context(), &bp, lock)
	if err != nil {
		return httpError(c, err)
	}

	c.Response().Header().Set(VersionLockHeader, newLock)
	return c.JSON(http.StatusCreated, map[string]any{
		"id":           id,
		"version_lock": newLock,
	})
}

// Get returns a blueprint body with its current lock in the header
// GET /api/v1/blueprints/:id
func (h *BlueprintHandler) Get(c echo.Context) error {
	bp, lock, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	c.Response().Header().Set(VersionLockHeader, lock)
	return c.JSON(http.StatusOK, bp)
}

// List returns stored blueprint ids
// GET /api/v1/blueprints
func (h *BlueprintHandler) List(c echo.Context) error {
	ids, err := h.store.List(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"blueprints": ids})
}

// Put replaces a blueprint body
// PUT /api/v1/blueprints/:id
func (h *BlueprintHandler) Put(c echo.Context) error {
	var bp blueprint.Blueprint
	if err := c.Bind(&bp); err != nil {
		return httpError(c, errs.Wrap(errs.Validation, "invalid blueprint body", err))
	}
	if err := bp.PopulateToolSchemas(h.registry); err != nil {
		return httpError(c, err)
	}

	lock := c.Request().Header.Get(VersionLockHeader)
	newLock, err := h.store.Put(c.Request().Context(), c.Param("id"), &bp, lock)
	if err != nil {
		return httpError(c, err)
	}

	c.Response().Header().Set(VersionLockHeader, newLock)
	return c.JSON(http.StatusOK, map[string]any{"version_lock": newLock})
}

// PatchNodes applies node-level add/update/delete specs
// PATCH /api/v1/blueprints/:id
func (h *BlueprintHandler) PatchNodes(c echo.Context) error {
	var body struct {
		Nodes []json.RawMessage `json:"nodes"`
	}
	if err := c.Bind(&body); err != nil {
		return httpError(c, errs.Wrap(errs.Validation, "invalid patch body", err))
	}
	if len(body.Nodes) == 0 {
		return httpError(c, errs.New(errs.Validation, "patch body has no nodes"))
	}

	lock := c.Request().Header.Get(VersionLockHeader)
	newLock, err := h.store.PatchNodes(c.Request().Context(), c.Param("id"), body.Nodes, lock)
	if err != nil {
		return httpError(c, err)
	}

	c.Response().Header().Set(VersionLockHeader, newLock)
	return c.JSON(http.StatusOK, map[string]any{"version_lock": newLock})
}

// ApplyPatch applies an RFC 6902 document to the blueprint body
// PATCH /api/v1/blueprints/:id/document
func (h *BlueprintHandler) ApplyPatch(c echo.Context) error {
	patchDoc, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return httpError(c, errs.Wrap(errs.Validation, "read patch document", err))
	}

	lock := c.Request().Header.Get(VersionLockHeader)
	newLock, err := h.store.ApplyPatch(c.Request().Context(), c.Param("id"), patchDoc, lock)
	if err != nil {
		return httpError(c, err)
	}

	c.Response().Header().Set(VersionLockHeader, newLock)
	return c.JSON(http.StatusOK, map[string]any{"version_lock": newLock})
}

// Delete removes a blueprint
// DELETE /api/v1/blueprints/:id
func (h *BlueprintHandler) Delete(c echo.Context) error {
	lock := c.Request().Header.Get(VersionLockHeader)
	if err := h.store.Delete(c.Request().Context(), c.Param("id"), lock); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Revisions lists the ordered revision ids of a blueprint
// GET /api/v1/blueprints/:id/revisions
func (h *BlueprintHandler) Revisions(c echo.Context) error {
	revs, err := h.store.Revisions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"revisions": revs})
}

// Revision returns one immutable revision snapshot
// GET /api/v1/blueprints/:id/revisions/:rev
func (h *BlueprintHandler) Revision(c echo.Context) error {
	bp, err := h.store.Revision(c.Request().Context(), c.Param("id"), c.Param("rev"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, bp)
}

// Favorite marks a blueprint as a favorite of the calling user
// POST /api/v1/blueprints/:id/favorite
func (h *BlueprintHandler) Favorite(c echo.Context) error {
	userID := c.Request().Header.Get(UserHeader)
	if userID == "" {
		return httpError(c, errs.New(errs.Validation, "X-User-ID header required"))
	}
	if err := h.store.Favorite(c.Request().Context(), userID, c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Unfavorite removes a favorite
// DELETE /api/v1/blueprints/:id/favorite
func (h *BlueprintHandler) Unfavorite(c echo.Context) error {
	userID := c.Request().Header.Get(UserHeader)
	if userID == "" {
		return httpError(c, errs.New(errs.Validation, "X-User-ID header required"))
	}
	if err := h.store.Unfavorite(c.Request().Context(), userID, c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Favorites lists the calling user's favorite blueprints
// GET /api/v1/blueprints/favorites
func (h *BlueprintHandler) Favorites(c echo.Context) error {
	userID := c.Request().Header.Get(UserHeader)
	if userID == "" {
		return httpError(c, errs.New(errs.Validation, "X-User-ID header required"))
	}
	ids, err := h.store.Favorites(c.Request().Context(), userID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"favorites": ids})
}
