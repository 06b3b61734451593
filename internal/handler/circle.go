package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"circles-server/internal/circles"
	"circles-server/internal/middleware"
	"circles-server/internal/model"
	"circles-server/internal/policy"
	"circles-server/internal/store"
)

type CircleHandler struct {
	Service *circles.Service
}

func (h *CircleHandler) identity(c *gin.Context) (circles.Identity, bool) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
	}
	return id, ok
}

// respondError maps service errors onto the wire. Policy violations are
// conflicts with the law id attached; security events are forbidden with a
// stable code; validation failures are bad requests.
func respondError(c *gin.Context, err error) {
	var v *policy.Violation
	if errors.As(err, &v) {
		c.JSON(http.StatusConflict, gin.H{"error": v.Message, "law": v.Law, "context": v.Context})
		return
	}
	var sec *circles.SecurityEvent
	if errors.As(err, &sec) {
		c.JSON(http.StatusForbidden, gin.H{"error": sec.Message, "code": sec.Code})
		return
	}
	switch {
	case errors.Is(err, circles.ErrInvalidToken),
		errors.Is(err, circles.ErrInvalidConnectionID),
		errors.Is(err, circles.ErrInvalidColor),
		errors.Is(err, circles.ErrInvalidCapacity),
		errors.Is(err, circles.ErrInvalidParticipant):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, circles.ErrInviteNotFound), errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func (h *CircleHandler) Init(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var body struct {
		DisplayHint string `json:"displayHint"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.Service.Init(c.Request.Context(), id, body.DisplayHint); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participantId": id.ParticipantID})
}

func (h *CircleHandler) Me(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	pid, err := h.Service.MyID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participantId": pid, "entitled": id.Entitled})
}

func (h *CircleHandler) CreateInvite(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var body struct {
		TargetHint string `json:"targetHint"`
	}
	_ = c.ShouldBindJSON(&body)

	inv, shareable, err := h.Service.CreateInvite(c.Request.Context(), id, body.TargetHint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"invite": gin.H{
			"token":      inv.Token,
			"targetHint": inv.TargetHint,
			"expiresAt":  inv.ExpiresAt,
			"createdAt":  inv.CreatedAt,
		},
		"shareableToken": shareable,
	})
}

func (h *CircleHandler) AcceptInvite(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	_ = c.ShouldBindJSON(&body)

	conn, err := h.Service.AcceptInvite(c.Request.Context(), id, body.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"connection": connectionBody(conn),
	})
}

func connectionBody(conn model.Connection) gin.H {
	return gin.H{
		"connectionId":      conn.ID,
		"status":            conn.Status,
		"remoteDisplayHint": conn.RemoteDisplayHint,
		"createdAt":         conn.CreatedAt,
	}
}

func (h *CircleHandler) CancelInvite(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	if err := h.Service.CancelInvite(c.Request.Context(), id, c.Param("token")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CircleHandler) ListConnections(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	conns, err := h.Service.MyConnections(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

func (h *CircleHandler) RevokeConnection(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	if err := h.Service.RevokeConnection(c.Request.Context(), id, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CircleHandler) Block(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var body struct {
		ParticipantID string `json:"participantId"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.Service.BlockUser(c.Request.Context(), id, body.ParticipantID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CircleHandler) Unblock(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	if err := h.Service.UnblockUser(c.Request.Context(), id, c.Param("participantId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CircleHandler) SetSignal(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var body struct {
		Color string `json:"color"`
		State string `json:"state"`
		TTLMs int64  `json:"ttlMs"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var err error
	switch {
	case body.Color != "":
		err = h.Service.SetMySignal(c.Request.Context(), id, model.Color(body.Color), body.TTLMs)
	case body.State != "":
		err = h.Service.SetMySignalFromCapacityState(c.Request.Context(), id, model.CapacityState(body.State), body.TTLMs)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CircleHandler) GetSignal(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	color, err := h.Service.MyCurrentSignal(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"color": color})
}

func (h *CircleHandler) ClearSignal(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	if err := h.Service.ClearMySignal(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CircleHandler) ListSignals(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	signals, err := h.Service.SignalsForMe(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (h *CircleHandler) GetConnectionSignal(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	sig, err := h.Service.SignalForConnection(c.Request.Context(), id, c.Param("connectionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sig == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signal": sig})
}

func (h *CircleHandler) Cleanup(c *gin.Context) {
	if _, ok := h.identity(c); !ok {
		return
	}
	if err := h.Service.RunCleanup(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *CircleHandler) Wipe(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	deleted, err := h.Service.WipeAll(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *CircleHandler) Firewall(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	report, err := h.Service.VerifyFirewall(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *CircleHandler) Integrity(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	report, err := h.Service.VerifyIntegrity(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
