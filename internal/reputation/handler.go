package reputation

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/auth"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/httpx"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/bounties/:id/ratings", h.Rate)
	rg.GET("/providers/:address/reputation", h.Reputation)
}

func (h *Handler) Rate(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	bountyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.BadRequest(c, "invalid bounty id")
		return
	}
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	rating, err := h.service.Rate(c.Request.Context(), bountyID, caller, req.Score, req.Comment)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, rating)
}

func (h *Handler) Reputation(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		httpx.BadRequest(c, "invalid provider address")
		return
	}
	rep, err := h.service.ProviderReputation(c.Request.Context(), common.HexToAddress(address))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
