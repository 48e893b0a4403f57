package handlers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"chainpad/backend/internal/auth"
	"chainpad/backend/internal/cache"
	"chainpad/backend/internal/collab"
)

var padIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidPadID pad id 同时用在 redis 键和 MySQL 列里，限制字符集和长度
func ValidPadID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !padIDPattern.MatchString(c.Param("padId")) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "BAD_PAD_ID", "message": "pad id must match " + padIDPattern.String()})
			return
		}
		c.Next()
	}
}

type PadHandler struct {
	registry *collab.Registry
	presence cache.PresenceCache
	issuer   *auth.Issuer
}

func NewPadHandler(registry *collab.Registry, presence cache.PresenceCache, issuer *auth.Issuer) *PadHandler {
	return &PadHandler{registry: registry, presence: presence, issuer: issuer}
}

// ListPads GET /pads
func (h *PadHandler) ListPads(c *gin.Context) {
	pads, err := h.registry.Pads(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if pads == nil {
		pads = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"pads": pads})
}

// GetPad GET /pads/:padId，返回归档节点的 authDoc 和 tip
func (h *PadHandler) GetPad(c *gin.Context) {
	pad, err := h.registry.Get(c.Request.Context(), c.Param("padId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pad.Status())
}

// Members GET /pads/:padId/members
func (h *PadHandler) Members(c *gin.Context) {
	members, err := h.presence.GetAliveMembers(c.Request.Context(), c.Param("padId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"padId": c.Param("padId"), "members": members})
}

type tokenReq struct {
	Name string `json:"name" binding:"required"`
}

// IssueToken POST /tokens，开发用：按名字直接签发访问令牌
func (h *PadHandler) IssueToken(c *gin.Context) {
	if h.issuer == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "AUTH_DISABLED"})
		return
	}
	var req tokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing name"})
		return
	}
	token, expiresAt, err := h.issuer.Sign(name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accessToken": token, "expiresAt": expiresAt})
}
