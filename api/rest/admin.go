package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openplace/server/audit"
	"github.com/openplace/server/faction"
	"github.com/openplace/server/model"
)

// systemActor is the identity admin-key requests act under. It carries
// full privileges without belonging to any real user account.
var systemActor = faction.Actor{UID: -1, Userlvl: model.UserlvlAdmin}

// AdminHandler handles the moderation REST endpoints. Its routes sit
// behind the admin-key middleware, not the player JWT flow.
type AdminHandler struct {
	svc   *faction.Service
	audit *audit.Service
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(svc *faction.Service, auditSvc *audit.Service) *AdminHandler {
	return &AdminHandler{svc: svc, audit: auditSvc}
}

// ListFactions handles GET /api/admin/factions.
func (h *AdminHandler) ListFactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "50"))

	factions, err := h.svc.AdminList(systemActor, c.Query("q"), page, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"factions": factions, "page": page})
}

// DeleteFaction handles DELETE /api/admin/factions/:id. Unlike the
// owner's delete it needs no password, only the admin key.
func (h *AdminHandler) DeleteFaction(c *gin.Context) {
	start := time.Now()
	fid, ok := paramID(c, "id")
	if !ok {
		return
	}
	err := h.svc.AdminDelete(c.Request.Context(), systemActor, fid)
	if h.audit != nil {
		entry := audit.Entry{
			Action:     "faction.admin.delete",
			FID:        &fid,
			IP:         c.ClientIP(),
			DurationMs: int(time.Since(start).Milliseconds()),
		}
		if err != nil {
			entry.Error = faction.Reason(err)
		}
		h.audit.Log(entry)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
