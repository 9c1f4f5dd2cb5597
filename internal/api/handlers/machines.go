package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/internal/syncengine"
	"github.com/bhandras/delight/hub/pkg/types"
	"github.com/gin-gonic/gin"
)

type MachineHandler struct {
	engine *syncengine.Engine
}

func NewMachineHandler(engine *syncengine.Engine) *MachineHandler {
	return &MachineHandler{engine: engine}
}

// CreateMachineRequest represents the request to create/register a machine
type CreateMachineRequest struct {
	ID          string          `json:"id" binding:"required"`
	Metadata    json.RawMessage `json:"metadata"`
	DaemonState json.RawMessage `json:"daemonState"`
}

// UpdateDaemonStateRequest is the body of a daemon state compare-and-swap.
type UpdateDaemonStateRequest struct {
	DaemonState     json.RawMessage `json:"daemonState"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

// machine loads the :id machine within the caller's namespace. Machines of
// other namespaces are reported as not found.
func (h *MachineHandler) machine(c *gin.Context) (store.Machine, string, bool) {
	ns, ok := namespace(c)
	if !ok {
		return store.Machine{}, "", false
	}
	m, err := h.engine.GetMachine(c.Request.Context(), c.Param("id"))
	if err == nil && m.Namespace != ns {
		err = store.ErrNotFound
	}
	if err != nil {
		writeStoreError(c, "machine", err)
		return store.Machine{}, "", false
	}
	return m, ns, true
}

// ListMachines handles GET /v1/machines
func (h *MachineHandler) ListMachines(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	machines, err := h.engine.GetMachinesByNamespace(c.Request.Context(), ns)
	if err != nil {
		writeStoreError(c, "machine", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machines": nonNil(machines)})
}

// CreateMachine handles POST /v1/machines
func (h *MachineHandler) CreateMachine(c *gin.Context) {
	ns, ok := namespace(c)
	if !ok {
		return
	}
	var req CreateMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}

	m, created, err := h.engine.GetOrCreateMachine(c.Request.Context(), req.ID, req.Metadata, req.DaemonState, ns)
	if err != nil {
		writeStoreError(c, "machine", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"machine": m, "created": created})
}

// GetMachine handles GET /v1/machines/:id
func (h *MachineHandler) GetMachine(c *gin.Context) {
	m, _, ok := h.machine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": m})
}

// DeleteMachine handles DELETE /v1/machines/:id
func (h *MachineHandler) DeleteMachine(c *gin.Context) {
	m, ns, ok := h.machine(c)
	if !ok {
		return
	}
	removed, err := h.engine.DeleteMachine(c.Request.Context(), m.ID, ns)
	if err != nil {
		writeStoreError(c, "machine", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removedSessions": nonNil(removed)})
}

// UpdateMetadata handles POST /v1/machines/:id/metadata
func (h *MachineHandler) UpdateMetadata(c *gin.Context) {
	m, ns, ok := h.machine(c)
	if !ok {
		return
	}
	var req UpdateMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}
	res, err := h.engine.UpdateMachineMetadata(c.Request.Context(), m.ID, req.Metadata, req.ExpectedVersion, ns)
	writeUpdateResult(c, "machine", res, err)
}

// UpdateDaemonState handles POST /v1/machines/:id/state
func (h *MachineHandler) UpdateDaemonState(c *gin.Context) {
	m, ns, ok := h.machine(c)
	if !ok {
		return
	}
	var req UpdateDaemonStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid request"})
		return
	}
	res, err := h.engine.UpdateMachineDaemonState(c.Request.Context(), m.ID, req.DaemonState, req.ExpectedVersion, ns)
	writeUpdateResult(c, "machine", res, err)
}

// Alive handles POST /v1/machines/:id/alive
func (h *MachineHandler) Alive(c *gin.Context) {
	m, ns, ok := h.machine(c)
	if !ok {
		return
	}
	updated, err := h.engine.MachineAlive(c.Request.Context(), m.ID, ns)
	if err != nil {
		writeStoreError(c, "machine", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": updated})
}
