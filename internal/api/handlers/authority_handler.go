package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/signing"
	"github.com/Wikid82/cerberus/internal/transparency"
)

// AuthorityHandler lets other deployments use this instance as their remote
// transparency log and signer.
type AuthorityHandler struct {
	log    *transparency.Log
	signer *signing.Local
}

// NewAuthorityHandler creates a new authority handler.
func NewAuthorityHandler(log *transparency.Log, signer *signing.Local) *AuthorityHandler {
	return &AuthorityHandler{log: log, signer: signer}
}

// RegisterRoutes registers authority routes. Callers must put token auth in front.
func (h *AuthorityHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/entries", h.Append)
	router.POST("/sign", h.Sign)
	router.GET("/key", h.Key)
	router.GET("/proof", h.Proof)
	router.GET("/root", h.Root)
}

type appendRequest struct {
	LeafHash *models.Hash `json:"leaf_hash" binding:"required"`
}

// Append integrates a leaf and returns its entry, root and inclusion proof.
func (h *AuthorityHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.log.Append(c.Request.Context(), *req.LeafHash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, res)
}

type signRequest struct {
	PayloadType string `json:"payload_type" binding:"required"`
	Payload     []byte `json:"payload" binding:"required"`
}

// Sign signs evidence bindings and tree heads. Other payload types are refused.
func (h *AuthorityHandler) Sign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PayloadType != signing.EvidencePayloadType && req.PayloadType != transparency.TreeHeadPayloadType {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported payload type"})
		return
	}
	sig, err := h.signer.Sign(c.Request.Context(), req.PayloadType, req.Payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sig)
}

// Key returns the PEM public key signatures verify against.
func (h *AuthorityHandler) Key(c *gin.Context) {
	pub, err := signing.EncodePublicKey(h.signer.PublicKey())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key_id": h.signer.Identity(), "public_key": string(pub)})
}

// Proof returns an inclusion proof.
func (h *AuthorityHandler) Proof(c *gin.Context) {
	serveProof(c, h.log)
}

// Root returns the unsigned root at ?size=, defaulting to the current size.
func (h *AuthorityHandler) Root(c *gin.Context) {
	size, ok := sizeParam(c, h.log)
	if !ok {
		return
	}
	root, err := h.log.Root(c.Request.Context(), size)
	if err != nil {
		respondTreeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tree_size": size, "root_hash": root})
}
