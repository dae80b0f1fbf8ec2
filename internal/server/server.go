// Package server is the HTTP surface for the sync service: session control,
// snapshot reads, an SSE stream for UIs, and the operational endpoints.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/luckbys/bkcrm-sub006/internal/metrics"
	"github.com/luckbys/bkcrm-sub006/internal/realtime"
)

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Controller *realtime.Controller
	Port       int
	Out        io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Controller == nil {
		return fmt.Errorf("server: controller is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	router := newRouter(opts.Controller)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Sync API listening at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newRouter builds the gin router with all routes registered.
func newRouter(ctrl *realtime.Controller) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/api/sessions/:ticketID", handleOpen(ctrl))
	router.DELETE("/api/session", handleClose(ctrl))
	router.GET("/api/session", handleInfo(ctrl))
	router.GET("/api/session/messages", handleSnapshot(ctrl))
	router.POST("/api/session/messages", handleSend(ctrl))
	router.POST("/api/session/refresh", handleRefresh(ctrl))
	router.GET("/api/session/stream", handleStream(ctrl))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	return router
}

func handleOpen(ctrl *realtime.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticketID := c.Param("ticketID")
		if err := ctrl.Open(c.Request.Context(), ticketID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ticket_id": ticketID, "state": ctrl.State()})
	}
}

func handleClose(ctrl *realtime.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl.Close()
		c.Status(http.StatusNoContent)
	}
}

func handleInfo(ctrl *realtime.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := ctrl.Info()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func handleSnapshot(ctrl *realtime.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := ctrl.Snapshot()
		if snap == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": snap, "state": ctrl.State()})
	}
}

// sendRequest is the POST body for sending a message.
type sendRequest struct {
	Content  string `json:"content"`
	Internal bool   `json:"internal"`
}

func handleSend(ctrl *realtime.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}

		msg, err := ctrl.Send(c.Request.Context(), req.Content, req.Internal)
		if err != nil {
			status := http.StatusBadGateway
			switch {
			case err == realtime.ErrNoSession:
				status = http.StatusConflict
			case req.Content == "":
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error(), "message": msg})
			return
		}
		c.JSON(http.StatusAccepted, msg)
	}
}

func handleRefresh(ctrl *realtime.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		issued := ctrl.Refresh(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"issued": issued})
	}
}
