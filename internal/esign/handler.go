package esign

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/auth"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/contenthash"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/httpx"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/security"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	docs := rg.Group("/esign/documents")
	{
		docs.POST("", h.Register)
		docs.GET("/:hash", h.GetInfo)
		docs.POST("/:hash/requests", h.RequestSignature)
		docs.GET("/:hash/requests", h.ListRequests)
		docs.POST("/:hash/sign", h.Sign)
		docs.POST("/:hash/verify", h.Verify)
		docs.GET("/:hash/signers", h.ListSigners)
		docs.GET("/:hash/signatures/:signer", h.GetSignature)
		docs.POST("/:hash/revoke", h.Revoke)
		docs.GET("/:hash/complete", h.IsFullySigned)
		docs.GET("/:hash/stats", h.Stats)
		docs.GET("/:hash/certificate", h.Certificate)
		docs.GET("/:hash/message", h.SigningMessage)
	}
}

func hashParam(c *gin.Context) (common.Hash, bool) {
	hash, err := contenthash.Parse(c.Param("hash"))
	if err != nil {
		httpx.BadRequest(c, err.Error())
		return common.Hash{}, false
	}
	return hash, true
}

func (h *Handler) Register(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	hash, err := contenthash.Parse(req.Hash)
	if err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	env, err := h.service.RegisterDocument(c.Request.Context(), caller, hash, req.Name)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, env)
}

func (h *Handler) GetInfo(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	env, err := h.service.GetDocumentInfo(c.Request.Context(), hash)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (h *Handler) RequestSignature(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	var req SignatureRequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	sr, err := h.service.RequestSignature(c.Request.Context(), caller, hash, req.Signer, req.Name, req.Email)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, sr)
}

func (h *Handler) ListRequests(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	reqs, err := h.service.GetSignatureRequests(c.Request.Context(), hash)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

// SigningMessage returns the canonical message a signer must sign.
func (h *Handler) SigningMessage(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": string(security.SigningMessage(hash))})
}

func (h *Handler) Sign(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	var req SignInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	sig, err := h.service.SignDocument(c.Request.Context(), caller, hash, req.Signature, req.Name, req.Email)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, sig)
}

// Verify runs the registry path and, when a signature is supplied, the
// offline path too.
func (h *Handler) Verify(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	var req VerifyInput
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}
	var message []byte
	if req.Message != "" {
		message = []byte(req.Message)
	}

	registry, err := h.service.VerifySignature(c.Request.Context(), hash, req.Signer, message)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	resp := gin.H{"registry": registry}
	if len(req.Signature) > 0 {
		if message == nil {
			message = security.SigningMessage(hash)
		}
		resp["offline"] = VerifyOffline(message, req.Signature, req.Signer)
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListSigners(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	signers, err := h.service.GetDocumentSigners(c.Request.Context(), hash)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, signers)
}

func (h *Handler) GetSignature(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	if !common.IsHexAddress(c.Param("signer")) {
		httpx.BadRequest(c, "invalid signer address")
		return
	}
	sig, err := h.service.GetSignatureInfo(c.Request.Context(), hash, common.HexToAddress(c.Param("signer")))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (h *Handler) Revoke(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	env, err := h.service.RevokeDocument(c.Request.Context(), caller, hash)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (h *Handler) IsFullySigned(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	complete, err := h.service.IsDocumentFullySigned(c.Request.Context(), hash)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fully_signed": complete})
}

func (h *Handler) Stats(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	stats, err := h.service.GetDocumentStats(c.Request.Context(), hash)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) Certificate(c *gin.Context) {
	hash, ok := hashParam(c)
	if !ok {
		return
	}
	out, err := h.service.CompletionCertificate(c.Request.Context(), hash)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=\"certificate-"+hash.Hex()+".pdf\"")
	c.Data(http.StatusOK, "application/pdf", out)
}
