package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	WS      *handler.WSHandler
	Proctor *handler.ProctorHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// streamLimiter charges websocket (re)connects to the participant.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	streamLimiter *middleware.RateLimiter,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(response.AccessLog(log))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. WebSocket Group (Participant WS Auth, Rate Limited) ────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireParticipantWSAuth(authService), streamLimiter.Middleware())
	{
		ws.GET("/assessments/:assessment_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 2. Proctor Group (JWT) ────────────────────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireProctorJWT(authService))
	{
		proctorAPI.POST("/rooms", handlers.Proctor.OpenRoom)
		proctorAPI.GET("/rooms/:assignment_id", handlers.Proctor.GetRoom)
		proctorAPI.POST("/rooms/:assignment_id/activate", handlers.Proctor.ActivateRoom)
		proctorAPI.POST("/rooms/:assignment_id/complete", handlers.Proctor.CompleteRoom)
		proctorAPI.POST("/rooms/:assignment_id/terminate", handlers.Proctor.TerminateRoom)
		proctorAPI.POST("/rooms/:assignment_id/participants", handlers.Proctor.AdmitParticipant)
		proctorAPI.POST("/rooms/:assignment_id/participants/:participant_id/kick", handlers.Proctor.KickParticipant)
		proctorAPI.GET("/rooms/:assignment_id/monitor", handlers.Monitor.MonitorRoomSSE)

		// System Monitoring
		proctorAPI.GET("/system/queues", handlers.System.Queues)
		proctorAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
