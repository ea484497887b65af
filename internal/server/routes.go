package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/GeoNomad/wizkers/internal/handler"
)

func (s *Server) setupRouter() *gin.Engine {
	if s.log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(corsMiddleware())

	r.GET("/health", s.health)
	if s.config.Monitor.Enabled {
		r.GET("/metrics", gin.WrapH(s.monitor.Handler()))
	}
	if s.hub != nil {
		r.GET(s.config.WebSocket.Path, s.hub.Handle)
	}

	api := r.Group("/api")
	{
		api.GET("/stats", s.stats)
		api.GET("/instruments", s.listInstruments)

		inst := api.Group("/instruments/:id")
		inst.GET("/status", s.instrumentStatus)
		inst.POST("/open", s.openInstrument)
		inst.POST("/close", s.closeInstrument)
		inst.POST("/command", s.sendCommand)
		inst.POST("/identity", s.requestIdentity)
		inst.POST("/stream", s.startStream)
		inst.DELETE("/stream", s.stopStream)
		inst.GET("/history", s.history)
	}

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// respondError 按错误类型映射状态码
func respondError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownInstrument):
		code = http.StatusNotFound
	case errors.Is(err, handler.ErrNotOpen):
		code = http.StatusConflict
	case errors.Is(err, handler.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instruments": len(s.manager.order),
	})
}

func (s *Server) stats(c *gin.Context) {
	res := gin.H{}
	if s.hub != nil {
		res["websocket_clients"] = s.hub.GetClientCount()
	}
	if s.storage != nil {
		res["redis"] = s.storage.GetStats(c.Request.Context())
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": s.manager.List()})
}

func (s *Server) instrumentStatus(c *gin.Context) {
	status, err := s.manager.Status(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) openInstrument(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Open(id); err != nil {
		respondError(c, err)
		return
	}
	s.respondStatus(c, id)
}

func (s *Server) closeInstrument(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Close(id); err != nil {
		respondError(c, err)
		return
	}
	s.respondStatus(c, id)
}

func (s *Server) respondStatus(c *gin.Context, id string) {
	status, err := s.manager.Status(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

// sendCommand 命令异步执行, 结果通过 reading 事件返回
func (s *Server) sendCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.Command(c.Param("id"), req.Command); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": req.Command})
}

func (s *Server) requestIdentity(c *gin.Context) {
	if err := s.manager.RequestIdentity(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requested": "uniqueId"})
}

type streamRequest struct {
	PeriodMS int `json:"period_ms"`
}

func (s *Server) startStream(c *gin.Context) {
	var req streamRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	id := c.Param("id")
	if err := s.manager.StartStream(id, time.Duration(req.PeriodMS)*time.Millisecond); err != nil {
		respondError(c, err)
		return
	}
	s.respondStatus(c, id)
}

func (s *Server) stopStream(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.StopStream(id); err != nil {
		respondError(c, err)
		return
	}
	s.respondStatus(c, id)
}

func (s *Server) history(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.manager.Get(id); err != nil {
		respondError(c, err)
		return
	}
	if s.storage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "redis 未启用"})
		return
	}
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	events, err := s.storage.History(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": id, "events": events})
}
