package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"mrocore.org/internal/inventory"
	"mrocore.org/internal/locking"
)

// updateToolRequest carries the optional field changes plus the version the
// client last read. version may be a number, a numeric string, null or absent.
type updateToolRequest struct {
	inventory.ToolUpdate
	Version json.RawMessage `json:"version"`
}

func toolID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid tool id", errBadRequest)
	}
	return id, nil
}

func (a *API) getTool(w http.ResponseWriter, r *http.Request) error {
	id, err := toolID(r)
	if err != nil {
		return err
	}
	tool, err := a.tools.Get(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, tool)
	return nil
}

func (a *API) createTool(w http.ResponseWriter, r *http.Request) error {
	var req inventory.NewTool
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	tool, err := a.tools.Create(r.Context(), claimsOf(r).UserID, req)
	if err != nil {
		return err
	}
	w.Header().Set("Location", fmt.Sprintf("/api/tools/%d", tool.ID))
	writeJSON(w, http.StatusCreated, tool)
	return nil
}

func (a *API) updateTool(w http.ResponseWriter, r *http.Request) error {
	id, err := toolID(r)
	if err != nil {
		return err
	}
	var req updateToolRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	tool, err := a.tools.Update(r.Context(), claimsOf(r).UserID, id, locking.ParseVersion(req.Version), req.ToolUpdate)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, tool)
	return nil
}
