package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/cerberus/internal/evidence"
	"github.com/Wikid82/cerberus/internal/models"
)

// EvidenceHandler serves stored evidence bundles for audit.
type EvidenceHandler struct {
	service *evidence.Service
}

// NewEvidenceHandler creates a new evidence handler.
func NewEvidenceHandler(service *evidence.Service) *EvidenceHandler {
	return &EvidenceHandler{service: service}
}

// RegisterRoutes registers evidence routes.
func (h *EvidenceHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/bundles", h.List)
	router.GET("/bundles/:id", h.Get)
	router.GET("/bundles/:id/verify", h.Verify)
}

// List returns full bundles filtered by client_key, outcome, status, since, until and limit.
func (h *EvidenceHandler) List(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bundles, err := h.service.ListBundles(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bundles)
}

// Get returns a single bundle.
func (h *EvidenceHandler) Get(c *gin.Context) {
	b, err := h.service.GetBundle(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Verify checks a bundle's proof and signature.
func (h *EvidenceHandler) Verify(c *gin.Context) {
	res, err := h.service.VerifyBundle(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, evidence.ErrBundleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "bundle not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func parseFilter(c *gin.Context) (evidence.Filter, error) {
	f := evidence.Filter{
		ClientKey: c.Query("client_key"),
		Outcome:   models.Outcome(c.Query("outcome")),
		Status:    models.VerificationStatus(c.Query("status")),
	}
	switch f.Outcome {
	case "", models.OutcomeAllowed, models.OutcomeDenied, models.OutcomeDegraded:
	default:
		return f, errors.New("invalid outcome")
	}
	switch f.Status {
	case "", models.StatusPending, models.StatusVerified, models.StatusFailed:
	default:
		return f, errors.New("invalid status")
	}

	var err error
	if v := c.Query("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("since must be RFC3339")
		}
	}
	if v := c.Query("until"); v != "" {
		if f.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return f, errors.New("until must be RFC3339")
		}
	}
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
	}
	return f, nil
}
