package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/cerberus/internal/cerberus"
	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/evidence"
)

// TreeSizer reports the number of leaves in the transparency log.
type TreeSizer interface {
	Size() uint64
}

// SecurityHandler reports the state of the admission engine and evidence pipeline.
type SecurityHandler struct {
	engine    *cerberus.Cerberus
	submitter *evidence.Submitter
	evidence  *evidence.Service
	log       TreeSizer
	cfg       config.EvidenceConfig
}

// NewSecurityHandler creates a new SecurityHandler. log may be nil when the log is remote.
func NewSecurityHandler(engine *cerberus.Cerberus, submitter *evidence.Submitter, svc *evidence.Service, log TreeSizer, cfg config.EvidenceConfig) *SecurityHandler {
	return &SecurityHandler{engine: engine, submitter: submitter, evidence: svc, log: log, cfg: cfg}
}

// GetStatus returns admission settings and evidence pipeline counters.
func (h *SecurityHandler) GetStatus(c *gin.Context) {
	counts, err := h.evidence.StatusCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	transparency := gin.H{"backend": h.cfg.SigningBackend}
	if h.log != nil {
		transparency["tree_size"] = h.log.Size()
	}

	c.JSON(http.StatusOK, gin.H{
		"admission": h.engine.Status(),
		"evidence": gin.H{
			"queue_length": h.submitter.QueueLen(),
			"dropped":      h.submitter.Dropped(),
			"bundles":      counts,
			"store":        h.cfg.Store,
		},
		"transparency": transparency,
	})
}
