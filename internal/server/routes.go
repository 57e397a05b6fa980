package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/cidgate/internal/protocol/cid"
	"github.com/danmuck/cidgate/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type allocateRequest struct {
	PeerAddr string `json:"peer_addr"`
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		if a.table == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ready":      true,
			"sessions":   a.table.Len(),
			"cid_length": a.table.Config().CIDLength,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": a.table.List()})
	})

	a.router.POST("/sessions", append(a.mutating(), func(c *gin.Context) {
		var req allocateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if a.generator == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no connection id generator configured"})
			return
		}
		s, err := a.table.Allocate(a.generator, req.PeerAddr, time.Now())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrTableFull) || errors.Is(err, session.ErrAllocateExhausted) {
				status = http.StatusServiceUnavailable
			} else if errors.Is(err, session.ErrEmptyCID) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("cid", s.CID.String()).Str("peer", s.PeerAddr).Msg("session allocated")
		c.JSON(http.StatusCreated, s)
	})...)

	a.router.GET("/sessions/:cid", func(c *gin.Context) {
		id, ok := parseCIDParam(c)
		if !ok {
			return
		}
		s, found := a.table.Get(id)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": session.ErrNotFound.Error(), "cid": id})
			return
		}
		c.JSON(http.StatusOK, s)
	})

	a.router.DELETE("/sessions/:cid", append(a.mutating(), func(c *gin.Context) {
		id, ok := parseCIDParam(c)
		if !ok {
			return
		}
		if !a.table.Remove(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": session.ErrNotFound.Error(), "cid": id})
			return
		}
		log.Info().Str("cid", id.String()).Msg("session removed")
		c.JSON(http.StatusOK, gin.H{"status": "removed", "cid": id})
	})...)
}

func parseCIDParam(c *gin.Context) (cid.ConnectionID, bool) {
	id, err := cid.ParseHex(c.Param("cid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return cid.ConnectionID{}, false
	}
	return id, true
}
