package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/cerberus/internal/transparency"
)

// TransparencyHandler exposes the local transparency log.
type TransparencyHandler struct {
	log    *transparency.Log
	signer transparency.RootSigner
}

// NewTransparencyHandler creates a new transparency handler.
func NewTransparencyHandler(log *transparency.Log, signer transparency.RootSigner) *TransparencyHandler {
	return &TransparencyHandler{log: log, signer: signer}
}

// RegisterRoutes registers transparency log routes.
func (h *TransparencyHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/root", h.SignedRoot)
	router.GET("/proof", h.Proof)
}

// SignedRoot returns the signed tree head for the current size.
func (h *TransparencyHandler) SignedRoot(c *gin.Context) {
	sth, err := h.log.SignedTreeHead(c.Request.Context(), h.signer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sth)
}

// Proof returns the inclusion proof for ?index= at ?size=, defaulting to the current size.
func (h *TransparencyHandler) Proof(c *gin.Context) {
	serveProof(c, h.log)
}

func serveProof(c *gin.Context, log *transparency.Log) {
	index, err := strconv.ParseUint(c.Query("index"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a non-negative integer"})
		return
	}
	size, ok := sizeParam(c, log)
	if !ok {
		return
	}
	proof, err := log.Prove(c.Request.Context(), index, size)
	if err != nil {
		respondTreeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// sizeParam reads ?size=, defaulting to the current tree size. It writes a 400 and
// returns false on malformed input.
func sizeParam(c *gin.Context, log *transparency.Log) (uint64, bool) {
	raw := c.Query("size")
	if raw == "" {
		return log.Size(), true
	}
	size, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "size must be a non-negative integer"})
		return 0, false
	}
	return size, true
}

func respondTreeError(c *gin.Context, err error) {
	if errors.Is(err, transparency.ErrIndexOutOfRange) || errors.Is(err, transparency.ErrInvalidTreeSize) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
