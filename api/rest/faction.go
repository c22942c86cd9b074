package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openplace/server/audit"
	"github.com/openplace/server/faction"
	mw "github.com/openplace/server/middleware"
)

// FactionHandler handles the faction REST endpoints.
type FactionHandler struct {
	svc   *faction.Service
	audit *audit.Service
}

// NewFactionHandler creates a new FactionHandler.
func NewFactionHandler(svc *faction.Service, auditSvc *audit.Service) *FactionHandler {
	return &FactionHandler{svc: svc, audit: auditSvc}
}

// writeError maps the service error taxonomy onto HTTP statuses. The
// body always carries the same shape the canvas client expects.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, faction.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, faction.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, faction.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, faction.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, faction.ErrInvalidInput), errors.Is(err, faction.ErrReauthFailed):
		status = http.StatusBadRequest
	case errors.Is(err, faction.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"errors": []string{faction.Reason(err)}})
}

// record writes one audit entry for a mutation. Reads are not audited.
func (h *FactionHandler) record(c *gin.Context, action string, start time.Time, fid *int64, req interface{}, err error) {
	if h.audit == nil {
		return
	}
	entry := audit.Entry{
		TraceID:    mw.GetTraceID(c),
		Action:     action,
		Request:    req,
		IP:         c.ClientIP(),
		FID:        fid,
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if actor := mw.GetActor(c); actor.UID != 0 {
		uid := actor.UID
		entry.UID = &uid
	}
	if err != nil {
		entry.Error = faction.Reason(err)
	}
	h.audit.Log(entry)
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []string{"invalid id"}})
		return 0, false
	}
	return id, true
}

type createFactionRequest struct {
	Name       string `json:"name"   binding:"required,min=1,max=24"`
	Tag        string `json:"tag"    binding:"required,min=2,max=4"`
	JoinPolicy int    `json:"join_policy"`
}

// Create handles POST /api/factions.
func (h *FactionHandler) Create(c *gin.Context) {
	start := time.Now()
	var req createFactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []string{err.Error()}})
		return
	}

	f, err := h.svc.Create(c.Request.Context(), mw.GetActor(c), req.Name, req.Tag, req.JoinPolicy)
	if err != nil {
		h.record(c, "faction.create", start, nil, req, err)
		writeError(c, err)
		return
	}
	h.record(c, "faction.create", start, &f.ID, req, nil)
	c.JSON(http.StatusCreated, f)
}

// Leaderboard handles GET /api/factions.
func (h *FactionHandler) Leaderboard(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	lb, err := h.svc.Leaderboard(c.Request.Context(), page, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lb)
}

// Profile handles GET /api/factions/:id.
func (h *FactionHandler) Profile(c *gin.Context) {
	fid, ok := paramID(c, "id")
	if !ok {
		return
	}
	view, err := h.svc.Profile(c.Request.Context(), fid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ByTag handles GET /api/factions/tag/:tag.
func (h *FactionHandler) ByTag(c *gin.Context) {
	view, err := h.svc.ByTag(c.Request.Context(), c.Param("tag"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Tags handles GET /api/factions/tags?uids=1,2,3 for canvas overlays.
func (h *FactionHandler) Tags(c *gin.Context) {
	raw := strings.Split(c.Query("uids"), ",")
	uids := make([]int64, 0, len(raw))
	for _, s := range raw {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil && id > 0 {
			uids = append(uids, id)
		}
	}
	tags, err := h.svc.TagsFor(c.Request.Context(), uids)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

// Join handles POST /api/factions/:id/join.
func (h *FactionHandler) Join(c *gin.Context) {
	start := time.Now()
	fid, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.Join(c.Request.Context(), mw.GetActor(c), fid)
	if err != nil {
		h.record(c, "faction.join", start, &fid, nil, err)
		writeError(c, err)
		return
	}
	h.record(c, "faction.join", start, &fid, nil, nil)
	if res.Pending {
		c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

type acceptInviteRequest struct {
	Code string `json:"code" binding:"required,min=14,max=14"`
}

// AcceptInvite handles POST /api/factions/invite.
func (h *FactionHandler) AcceptInvite(c *gin.Context) {
	start := time.Now()
	var req acceptInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []string{err.Error()}})
		return
	}
	err := h.svc.AcceptInvite(c.Request.Context(), mw.GetActor(c), req.Code)
	h.record(c, "faction.invite.accept", start, nil, nil, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

// Leave handles POST /api/factions/leave.
func (h *FactionHandler) Leave(c *gin.Context) {
	start := time.Now()
	err := h.svc.Leave(c.Request.Context(), mw.GetActor(c))
	h.record(c, "faction.leave", start, nil, nil, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

// Mine handles GET /api/factions/mine.
func (h *FactionHandler) Mine(c *gin.Context) {
	view, err := h.svc.Mine(c.Request.Context(), mw.GetActor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Approve handles POST /api/factions/mine/requests/:uid/approve.
func (h *FactionHandler) Approve(c *gin.Context) {
	start := time.Now()
	uid, ok := paramID(c, "uid")
	if !ok {
		return
	}
	err := h.svc.Approve(c.Request.Context(), mw.GetActor(c), uid)
	h.record(c, "faction.request.approve", start, nil, gin.H{"uid": uid}, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

// Deny handles POST /api/factions/mine/requests/:uid/deny.
func (h *FactionHandler) Deny(c *gin.Context) {
	start := time.Now()
	uid, ok := paramID(c, "uid")
	if !ok {
		return
	}
	err := h.svc.Deny(c.Request.Context(), mw.GetActor(c), uid)
	h.record(c, "faction.request.deny", start, nil, gin.H{"uid": uid}, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "denied"})
}

// Kick handles DELETE /api/factions/mine/members/:uid.
func (h *FactionHandler) Kick(c *gin.Context) {
	start := time.Now()
	uid, ok := paramID(c, "uid")
	if !ok {
		return
	}
	err := h.svc.Kick(c.Request.Context(), mw.GetActor(c), uid)
	h.record(c, "faction.kick", start, nil, gin.H{"uid": uid}, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "kicked"})
}

// Ban handles POST /api/factions/mine/bans/:uid.
func (h *FactionHandler) Ban(c *gin.Context) {
	start := time.Now()
	uid, ok := paramID(c, "uid")
	if !ok {
		return
	}
	err := h.svc.Ban(c.Request.Context(), mw.GetActor(c), uid)
	h.record(c, "faction.ban", start, nil, gin.H{"uid": uid}, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "banned"})
}

// Unban handles DELETE /api/factions/mine/bans/:uid.
func (h *FactionHandler) Unban(c *gin.Context) {
	start := time.Now()
	uid, ok := paramID(c, "uid")
	if !ok {
		return
	}
	err := h.svc.Unban(c.Request.Context(), mw.GetActor(c), uid)
	h.record(c, "faction.unban", start, nil, gin.H{"uid": uid}, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned"})
}

type countryRequest struct {
	Country string `json:"country" binding:"required,len=2"`
}

// Exclude handles POST /api/factions/mine/excludes.
func (h *FactionHandler) Exclude(c *gin.Context) {
	start := time.Now()
	var req countryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []string{err.Error()}})
		return
	}
	err := h.svc.Exclude(c.Request.Context(), mw.GetActor(c), req.Country)
	h.record(c, "faction.exclude", start, nil, req, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "excluded"})
}

// Include handles DELETE /api/factions/mine/excludes/:country.
func (h *FactionHandler) Include(c *gin.Context) {
	start := time.Now()
	country := c.Param("country")
	err := h.svc.Include(c.Request.Context(), mw.GetActor(c), country)
	h.record(c, "faction.include", start, nil, gin.H{"country": country}, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "included"})
}

type updateFactionRequest struct {
	Name       *string `json:"name"        binding:"omitempty,min=1,max=24"`
	Tag        *string `json:"tag"         binding:"omitempty,min=2,max=4"`
	JoinPolicy *int    `json:"join_policy" binding:"omitempty"`
}

// Update handles PUT /api/factions/mine.
func (h *FactionHandler) Update(c *gin.Context) {
	start := time.Now()
	var req updateFactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []string{err.Error()}})
		return
	}
	err := h.svc.Update(c.Request.Context(), mw.GetActor(c), faction.UpdateParams{
		Name:       req.Name,
		Tag:        req.Tag,
		JoinPolicy: req.JoinPolicy,
	})
	h.record(c, "faction.update", start, nil, req, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type transferRequest struct {
	NewOwner int64  `json:"new_owner" binding:"required"`
	Password string `json:"password"  binding:"required"`
}

// Transfer handles POST /api/factions/mine/transfer.
func (h *FactionHandler) Transfer(c *gin.Context) {
	start := time.Now()
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []string{err.Error()}})
		return
	}
	err := h.svc.Transfer(c.Request.Context(), mw.GetActor(c), req.NewOwner, req.Password)
	// Passwords never reach the audit trail.
	h.record(c, "faction.transfer", start, nil, gin.H{"new_owner": req.NewOwner}, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "transferred"})
}

type deleteFactionRequest struct {
	Password string `json:"password" binding:"required"`
}

// Delete handles DELETE /api/factions/mine.
func (h *FactionHandler) Delete(c *gin.Context) {
	start := time.Now()
	var req deleteFactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []string{err.Error()}})
		return
	}
	err := h.svc.Delete(c.Request.Context(), mw.GetActor(c), req.Password)
	h.record(c, "faction.delete", start, nil, nil, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Invite handles GET /api/factions/mine/invite.
func (h *FactionHandler) Invite(c *gin.Context) {
	code, err := h.svc.EnsureInvite(c.Request.Context(), mw.GetActor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

type avatarRequest struct {
	URL string `json:"url" binding:"required,max=255"`
}

// SetAvatar handles PUT /api/factions/mine/avatar.
func (h *FactionHandler) SetAvatar(c *gin.Context) {
	start := time.Now()
	var req avatarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": []string{err.Error()}})
		return
	}
	err := h.svc.SetAvatar(c.Request.Context(), mw.GetActor(c), req.URL)
	h.record(c, "faction.avatar", start, nil, req, err)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
