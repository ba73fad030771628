package documents

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/auth"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/contenthash"
	"lex-bounty/bounty-portal/bounty-portal-backend/pkg/httpx"
)

// maxUploadBytes bounds the multipart body hashed by Upload.
const maxUploadBytes = 32 << 20

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	docs := rg.Group("/documents")
	{
		docs.POST("", h.Register)
		docs.POST("/upload", h.Upload)
		docs.GET("", h.List)
		docs.GET("/:hash", h.Get)
		docs.POST("/:hash/verify", h.Verify)
	}
}

// Register accepts either a precomputed hash or raw content to hash.
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

	var (
		doc *Document
		err error
	)
	switch {
	case req.Hash != "" && len(req.Content) > 0:
		httpx.BadRequest(c, "send either hash or content, not both")
		return
	case req.Hash != "":
		hash, perr := contenthash.Parse(req.Hash)
		if perr != nil {
			httpx.BadRequest(c, perr.Error())
			return
		}
		doc, err = h.service.RegisterDocument(c.Request.Context(), caller, hash, req.BountyID, req.MilestoneID)
	default:
		doc, err = h.service.RegisterContent(c.Request.Context(), caller, req.Content, req.BountyID, req.MilestoneID)
	}
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, doc)
}

// Upload hashes a multipart file. The bytes themselves are not kept.
func (h *Handler) Upload(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		httpx.BadRequest(c, "file is required")
		return
	}
	bountyID, err := uuid.Parse(c.PostForm("bounty_id"))
	if err != nil {
		httpx.BadRequest(c, "invalid bounty_id")
		return
	}
	milestoneID, err := strconv.Atoi(c.PostForm("milestone_id"))
	if err != nil {
		httpx.BadRequest(c, "invalid milestone_id")
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(content) > maxUploadBytes {
		httpx.BadRequest(c, "file too large")
		return
	}

	doc, err := h.service.RegisterContent(c.Request.Context(), caller, content, bountyID, milestoneID)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) List(c *gin.Context) {
	bountyID, err := uuid.Parse(c.Query("bounty_id"))
	if err != nil {
		httpx.BadRequest(c, "bounty_id query parameter is required")
		return
	}

	docs, err := h.service.ListByBounty(c.Request.Context(), bountyID)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}

	c.JSON(http.StatusOK, docs)
}

func (h *Handler) Get(c *gin.Context) {
	hash, err := contenthash.Parse(c.Param("hash"))
	if err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	doc, err := h.service.GetDocument(c.Request.Context(), hash)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

func (h *Handler) Verify(c *gin.Context) {
	caller, ok := auth.RequireCaller(c)
	if !ok {
		return
	}
	hash, err := contenthash.Parse(c.Param("hash"))
	if err != nil {
		httpx.BadRequest(c, err.Error())
		return
	}

	doc, err := h.service.VerifyDocument(c.Request.Context(), hash, caller)
	if err != nil {
		httpx.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, doc)
}
