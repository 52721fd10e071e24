// Package api exposes scan triggering and scan inspection over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/internal/scanner"
)

// Scanner triggers one application scan. *scanner.AppScanner implements it.
type Scanner interface {
	ScanApplication(ctx context.Context, appID string) (string, error)
}

type Store interface {
	core.ApplicationStore
	core.ScanStore
	core.IssueStore
}

type pinger interface {
	Ping(ctx context.Context) error
}

type handlers struct {
	scanner Scanner
	store   Store
	logger  *logger.Logger
}

// NewRouter builds the gin engine. The API key is required.
func NewRouter(ctx context.Context, cfg config.ServerConfig, scan Scanner, store Store, log *logger.Logger) (*gin.Engine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key not configured: set SCOUT_SERVER_API_KEY or server.api_key")
	}
	log = log.WithComponent("api")
	h := &handlers{scanner: scan, store: store, logger: log}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(log))

	router.GET("/health", h.health)

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.APIKey, log))
	v1.Use(RateLimitMiddleware(ctx, cfg.RateLimit))
	{
		v1.POST("/applications/:id/scans", h.triggerScan)
		v1.GET("/applications/:id/scans", h.listScans)
		v1.GET("/applications/:id/issues", h.listIssues)
		v1.GET("/scans/:id", h.getScan)
		v1.GET("/scans/:id/issues", h.listScanIssues)
	}

	return router, nil
}

// NewServer wraps the router in an http.Server with the usual timeouts.
// Scans run inside the request, so there is no write timeout.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

func (h *handlers) health(c *gin.Context) {
	healthy := true
	checks := gin.H{}

	if p, ok := h.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			healthy = false
			checks["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
		} else {
			checks["database"] = gin.H{"status": "healthy"}
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":   healthy,
		"checks":    checks,
		"timestamp": time.Now().Unix(),
	})
}

// triggerScan runs the scan to completion. The scan is detached from the
// client connection and bounded by the scanner's own deadline instead.
func (h *handlers) triggerScan(c *gin.Context) {
	appID := c.Param("id")
	ctx := context.WithoutCancel(c.Request.Context())

	scanID, err := h.scanner.ScanApplication(ctx, appID)
	if err != nil {
		if errors.Is(err, core.ErrApplicationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
			return
		}
		if se, ok := scanner.AsScanError(err); ok {
			c.JSON(http.StatusOK, gin.H{
				"scan_id": scanID,
				"status":  "FAILED",
				"error": gin.H{
					"code":        se.Code,
					"message":     se.Message,
					"endpoint_id": se.EndpointID,
				},
			})
			return
		}
		h.logger.LogError(c.Request.Context(), err, "api.TriggerScan", "application_id", appID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan could not be started", "scan_id": scanID})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"scan_id": scanID, "status": "COMPLETED"})
}

func (h *handlers) getScan(c *gin.Context) {
	scan, err := h.store.GetScan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err, core.ErrScanNotFound, "scan not found")
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (h *handlers) listScans(c *gin.Context) {
	appID, ok := h.application(c)
	if !ok {
		return
	}
	scans, err := h.store.ListScans(c.Request.Context(), appID, queryLimit(c))
	if err != nil {
		h.storeError(c, err, nil, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans, "count": len(scans)})
}

func (h *handlers) listIssues(c *gin.Context) {
	appID, ok := h.application(c)
	if !ok {
		return
	}
	issues, err := h.store.ListIssues(c.Request.Context(), appID, queryLimit(c))
	if err != nil {
		h.storeError(c, err, nil, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
}

func (h *handlers) listScanIssues(c *gin.Context) {
	scanID := c.Param("id")
	if _, err := h.store.GetScan(c.Request.Context(), scanID); err != nil {
		h.storeError(c, err, core.ErrScanNotFound, "scan not found")
		return
	}
	issues, err := h.store.ListScanIssues(c.Request.Context(), scanID)
	if err != nil {
		h.storeError(c, err, nil, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
}

// application resolves the :id parameter, answering 404 when it is unknown.
func (h *handlers) application(c *gin.Context) (string, bool) {
	appID := c.Param("id")
	if _, err := h.store.GetApplication(c.Request.Context(), appID); err != nil {
		h.storeError(c, err, core.ErrApplicationNotFound, "application not found")
		return "", false
	}
	return appID, true
}

func (h *handlers) storeError(c *gin.Context, err, notFound error, message string) {
	if notFound != nil && errors.Is(err, notFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": message})
		return
	}
	h.logger.LogError(c.Request.Context(), err, "api.Store", "path", c.FullPath())
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
