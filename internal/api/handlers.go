// Package api wires up the Gin HTTP router with all handler functions.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"replicated-kvstore/internal/cluster"
)

// Handler holds all dependencies injected from main.
type Handler struct {
	manager *cluster.Manager
}

// NewHandler creates a Handler.
func NewHandler(m *cluster.Manager) *Handler {
	return &Handler{manager: m}
}

// Register mounts all routes on r. Everything except the health and
// metrics probes sits behind the bearer-token check.
func (h *Handler) Register(r *gin.Engine, token string) {
	r.GET("/health", h.Health)
	r.GET("/metrics", MetricsHandler())

	authed := r.Group("/", Auth(token))
	authed.POST("/write", h.Write)
	authed.GET("/read/:key", h.Read)
	authed.DELETE("/delete/:key", h.Delete)
	authed.POST("/fail/:id", h.FailNode)
	authed.POST("/recover/:id", h.RecoverNode)
	authed.GET("/nodes", h.Nodes)
	authed.POST("/set_replication_strategy", h.SetStrategy)
	authed.GET("/nodes_for_key/:key", h.NodesForKey)
}

// Write handles POST /write
// Body: {"key": "...", "value": "..."}
func (h *Handler) Write(c *gin.Context) {
	var body struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid input",
			"message": "Key and value are required",
		})
		return
	}

	if err := h.manager.Write(body.Key, body.Value); err != nil {
		if errors.Is(err, cluster.ErrKeyConflict) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "Key already exists",
				"message": "The key " + body.Key + " already exists",
			})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Key " + body.Key + " written successfully",
	})
}

// Read handles GET /read/:key
func (h *Handler) Read(c *gin.Context) {
	key := c.Param("key")

	result, err := h.manager.Read(key)
	if err != nil {
		if errors.Is(err, cluster.ErrKeyAbsent) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "Key not found",
				"message": result.Message,
			})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":     key,
		"value":   result.Value,
		"message": result.Message,
		"status":  "success",
	})
}

// Delete handles DELETE /delete/:key
func (h *Handler) Delete(c *gin.Context) {
	key := c.Param("key")

	if err := h.manager.Delete(key); err != nil {
		if errors.Is(err, cluster.ErrKeyAbsent) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "Key not found",
				"message": "Key does not exist",
			})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Key " + key + " deleted successfully",
	})
}

// FailNode handles POST /fail/:id
func (h *Handler) FailNode(c *gin.Context) {
	id, ok := nodeIDParam(c)
	if !ok {
		return
	}
	if err := h.manager.FailNode(id); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Node " + strconv.Itoa(id) + " failed",
	})
}

// RecoverNode handles POST /recover/:id
func (h *Handler) RecoverNode(c *gin.Context) {
	id, ok := nodeIDParam(c)
	if !ok {
		return
	}
	if err := h.manager.RecoverNode(id); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Node " + strconv.Itoa(id) + " recovered",
	})
}

// Nodes handles GET /nodes
func (h *Handler) Nodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"nodes":  h.manager.NodesStatus(),
	})
}

// SetStrategy handles POST /set_replication_strategy
// Body: {"strategy": "full"|"consistent", "replication_factor": n}
func (h *Handler) SetStrategy(c *gin.Context) {
	var body struct {
		Strategy          string `json:"strategy" binding:"required"`
		ReplicationFactor int    `json:"replication_factor"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid input",
			"message": "Replication strategy is required",
		})
		return
	}

	strategy, err := cluster.ParseStrategy(body.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid input",
			"message": err.Error(),
		})
		return
	}

	if err := h.manager.SetStrategy(strategy, body.ReplicationFactor); err != nil {
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"message": "Replication strategy set to " + body.Strategy +
			" with factor " + strconv.Itoa(body.ReplicationFactor),
	})
}

// NodesForKey handles GET /nodes_for_key/:key
func (h *Handler) NodesForKey(c *gin.Context) {
	key := c.Param("key")

	ids, err := h.manager.NodesForKey(key)
	if err != nil {
		if errors.Is(err, cluster.ErrInvalidStrategy) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid strategy",
				"message": "Consistent hashing is not enabled",
			})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "nodes": ids})
}

// Health handles GET /health — an unauthenticated liveness probe.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"nodes":  len(h.manager.NodesStatus()),
	})
}

func nodeIDParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal server error",
			"message": "invalid node id: " + c.Param("id"),
		})
		return 0, false
	}
	return id, true
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "Internal server error",
		"message": err.Error(),
	})
}
