package escrow

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/auth"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/contenthash"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/httpx"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	bounties := rg.Group("/bounties")
	{
		bounties.POST("", h.CreateBounty)
		bounties.GET("", h.ListBounties)
		bounties.GET("/:id", h.GetBounty)
		bounties.POST("/:id/fund", h.FundBounty)
		bounties.POST("/:id/assign", h.AssignLawyer)
		bounties.GET("/:id/contributions", h.ListContributions)
		bounties.POST("/:id/milestones/:idx/proof", h.SubmitProof)
		bounties.POST("/:id/milestones/:idx/verify", h.VerifyMilestone)
		bounties.GET("/:id/milestones/:idx/payout", h.GetPayout)
		bounties.POST("/:id/milestones/:idx/payout/retry", h.RetryPayout)
	}

	contributions := rg.Group("/contributions")
	{
		contributions.GET("/:id", h.GetContribution)
		contributions.POST("/:id/reconcile", h.ReconcileContribution)
	}
}

func idParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpx.BadRequest(c, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func milestoneParams(c *gin.Context) (uuid.UUID, int, bool) {
	id, ok := idParam(c)
	if !ok {
		return uuid.Nil, 0, false
	}
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 1 {
		httpx.BadRequest(c, "milestone index must be a positive integer")
		return uuid.Nil, 0, false
	}
	return id, idx, true
}

func (h *Handler) CreateBounty(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	var req CreateBountyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	bounty, err := h.service.CreateBounty(c.Request.Context(), caller, req)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, bounty)
}

func (h *Handler) ListBounties(c *gin.Context) {
	filter := BountyFilter{Status: BountyStatus(c.Query("status"))}
	for _, p := range []struct {
		name string
		dst  **common.Address
	}{{"creator", &filter.Creator}, {"provider", &filter.Provider}} {
		if v := c.Query(p.name); v != "" {
			if !common.IsHexAddress(v) {
				httpx.BadRequest(c, "invalid "+p.name+" address")
				return
			}
			addr := common.HexToAddress(v)
			*p.dst = &addr
		}
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	bounties, err := h.service.ListBounties(c.Request.Context(), filter)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bounties": bounties,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

func (h *Handler) GetBounty(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	bounty, err := h.service.GetBounty(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, bounty)
}

func (h *Handler) FundBounty(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.FundBounty(c.Request.Context(), id, caller, req.Amount)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) AssignLawyer(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	bounty, err := h.service.AssignLawyer(c.Request.Context(), id, caller, req.Provider)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, bounty)
}

func (h *Handler) ListContributions(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	contributions, err := h.service.ListContributions(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, contributions)
}

func (h *Handler) SubmitProof(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	id, idx, ok := milestoneParams(c)
	if !ok {
		return
	}
	var req ProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	hash, err := contenthash.Parse(req.DocumentHash)
	if err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	bounty, err := h.service.SubmitMilestoneProof(c.Request.Context(), id, idx, caller, hash)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, bounty)
}

func (h *Handler) VerifyMilestone(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	id, idx, ok := milestoneParams(c)
	if !ok {
		return
	}

	result, err := h.service.VerifyMilestone(c.Request.Context(), id, idx, caller)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetPayout(c *gin.Context) {
	id, idx, ok := milestoneParams(c)
	if !ok {
		return
	}
	payout, err := h.service.GetPayout(c.Request.Context(), id, idx)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (h *Handler) RetryPayout(c *gin.Context) {
	if _, ok := auth.RequireCaller(c); !ok {
		return
	}
	id, idx, ok := milestoneParams(c)
	if !ok {
		return
	}
	payout, err := h.service.RetryPayout(c.Request.Context(), id, idx)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

func (h *Handler) GetContribution(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	contribution, err := h.service.GetContribution(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, contribution)
}

func (h *Handler) ReconcileContribution(c *gin.Context) {
	if _, ok := auth.RequireCaller(c); !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}
	contribution, err := h.service.ReconcileContribution(c.Request.Context(), id)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, contribution)
}
