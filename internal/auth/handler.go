package auth

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/httpx"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

type challengeRequest struct {
	Address common.Address `json:"address" binding:"required"`
}

type loginRequest struct {
	Address   common.Address `json:"address" binding:"required"`
	Signature hexutil.Bytes  `json:"signature" binding:"required"`
}

// Challenge issues the message to sign.
func (h *Handler) Challenge(c *gin.Context) {
	var req challengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	message, err := h.Service.Challenge(req.Address)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

// Login exchanges a signed challenge for a bearer token.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	token, expires, err := h.Service.Login(req.Address, req.Signature)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires})
}

// Me echoes the authenticated address.
func (h *Handler) Me(c *gin.Context) {
	addr, _ := Caller(c)
	c.JSON(http.StatusOK, gin.H{"address": addr})
}
