package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/audit"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/registry"
	"github.com/arkeep-io/arkeep/server/internal/repository"
	"github.com/arkeep-io/arkeep/server/internal/statecache"
)

// MachineHandler groups machine inventory and access-control HTTP handlers.
type MachineHandler struct {
	repo     repository.MachineRepository
	access   repository.UserMachineAccessRepository
	cache    *statecache.Cache
	registry *registry.Registry
	audit    audit.Logger
	logger   *zap.Logger
}

// NewMachineHandler creates a new MachineHandler.
func NewMachineHandler(
	repo repository.MachineRepository,
	access repository.UserMachineAccessRepository,
	cache *statecache.Cache,
	reg *registry.Registry,
	auditLogger audit.Logger,
	logger *zap.Logger,
) *MachineHandler {
	return &MachineHandler{repo: repo, access: access, cache: cache, registry: reg, audit: auditLogger, logger: logger.Named("machine_handler")}
}

// machineResponse is the JSON representation of a machine, enriched with
// its latest cached metric and security-event summary where available.
// SharedSecret/SecretHash are intentionally omitted.
type machineResponse struct {
	ID              string  `json:"id"`
	Hostname        string  `json:"hostname"`
	IPAddress       string  `json:"ip_address"`
	OSInfo          string  `json:"os_info"`
	Status          string  `json:"status"`
	Connected       bool    `json:"connected"`
	LastSeenAt      *string `json:"last_seen_at"`
	CreatedAt       string  `json:"created_at"`
	OpenEventCount  int     `json:"open_event_count"`
	HighestSeverity string  `json:"highest_severity"`
	CPUPercent      *float64 `json:"cpu_percent,omitempty"`
	RAMPercent      *float64 `json:"ram_percent,omitempty"`
}

func (h *MachineHandler) toResponse(m *db.Machine) machineResponse {
	resp := machineResponse{
		ID:        m.ID.String(),
		Hostname:  m.Hostname,
		IPAddress: m.IPAddress,
		OSInfo:    m.OSInfo,
		Status:    m.Status,
		Connected: h.registry != nil && h.registry.IsAgentConnected(m.ID),
		CreatedAt: m.CreatedAt.UTC().String(),
	}
	if m.LastSeenAt != nil {
		s := m.LastSeenAt.UTC().String()
		resp.LastSeenAt = &s
	}
	if h.cache != nil {
		if snap, ok := h.cache.Get(m.ID); ok {
			resp.OpenEventCount = snap.Events.OpenCount
			resp.HighestSeverity = snap.Events.HighestSeverity
			if snap.LatestMetric != nil {
				cpu := snap.LatestMetric.CPUPercent
				ram := snap.LatestMetric.RAMPercent
				resp.CPUPercent = &cpu
				resp.RAMPercent = &ram
			}
		}
	}
	return resp
}

type listMachinesResponse struct {
	Items []machineResponse `json:"items"`
	Total int64             `json:"total"`
}

// List handles GET /api/v1/machines.
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	machines, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list machines", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]machineResponse, len(machines))
	for i := range machines {
		items[i] = h.toResponse(&machines[i])
	}

	Ok(w, listMachinesResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/machines/{id}.
func (h *MachineHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	machine, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, h.toResponse(machine))
}

// Delete handles DELETE /api/v1/machines/{id} (admin only). Soft-deletes
// the inventory row; an active agent socket is not forcibly closed by
// this call (it will keep heartbeating into a model.ID that no longer
// resolves, and will be dropped on its next reconnect attempt).
func (h *MachineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete machine", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.audit != nil {
		h.audit.Log(r.Context(), audit.Entry{Action: "MACHINE_DELETED", MachineID: &id})
	}
	NoContent(w)
}

// -----------------------------------------------------------------------------
// Access control
// -----------------------------------------------------------------------------

// grantAccessRequest is the JSON body for POST /api/v1/machines/{id}/access.
type grantAccessRequest struct {
	UserID string `json:"user_id"`
}

// GrantAccess handles POST /api/v1/machines/{id}/access (admin only).
func (h *MachineHandler) GrantAccess(w http.ResponseWriter, r *http.Request) {
	machineID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req grantAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, err := parseUUIDString(req.UserID)
	if err != nil {
		ErrBadRequest(w, "invalid user_id")
		return
	}

	if err := h.access.Grant(r.Context(), &db.UserMachineAccess{UserID: userID, MachineID: machineID}); err != nil {
		h.logger.Error("failed to grant machine access", zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.audit != nil {
		h.audit.Log(r.Context(), audit.Entry{
			Action:    "MACHINE_ACCESS_GRANTED",
			UserID:    &userID,
			MachineID: &machineID,
		})
	}

	NoContent(w)
}

// RevokeAccess handles DELETE /api/v1/machines/{id}/access/{userId} (admin only).
func (h *MachineHandler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	machineID, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	userID, ok := parseUUID(w, r, "userId")
	if !ok {
		return
	}

	if err := h.access.Revoke(r.Context(), userID, machineID); err != nil {
		h.logger.Error("failed to revoke machine access", zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.audit != nil {
		h.audit.Log(r.Context(), audit.Entry{
			Action:    "MACHINE_ACCESS_REVOKED",
			UserID:    &userID,
			MachineID: &machineID,
		})
	}

	NoContent(w)
}
