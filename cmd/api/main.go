package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"fsas/internal/audit"
	"fsas/internal/auth"
	"fsas/internal/broadcast"
	"fsas/internal/config"
	"fsas/internal/httpmiddleware"
	"fsas/internal/logging"
	"fsas/internal/queue"
	"fsas/internal/roster"
	"fsas/internal/session"
	"fsas/internal/store"
	"fsas/internal/token"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	defer logger.Sync()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	hub := broadcast.NewHub()
	defer hub.Close()
	broadcaster := broadcast.New(hub, redisClient.Client, logger)
	go broadcaster.Run(ctx)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	repo := session.NewRepository(db.Client)
	manager := session.NewManager(repo, broadcaster, logger, cfg.RotationInterval, cfg.TokenTTL)
	defer manager.Close()
	verifier := session.NewVerifier(repo, broadcaster, audit.NewSink(q), logger,
		cfg.LateThreshold, cfg.WindowCutoff, cfg.GraceBefore, cfg.ScanDeadline)
	rosterClient := roster.New(cfg.RosterURL, cfg.RosterSkip)

	if err := manager.Resume(ctx); err != nil {
		logger.Warn("resume of active sessions failed", zap.Error(err))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	if cfg.Env != "production" && cfg.Env != "prod" {
		r.POST("/v1/auth/dev-token", func(c *gin.Context) {
			var req struct {
				Subject string `json:"subject" binding:"required"`
				Role    string `json:"role" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			signed, exp, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, 8*time.Hour)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"access_token": signed, "expires_at": exp.Unix()})
		})
	}

	professor := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleProfessor))

	professor.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassInstanceID string    `json:"class_instance_id" binding:"required"`
			Date            time.Time `json:"date" binding:"required"`
			StartTime       time.Time `json:"start_time" binding:"required"`
			EndTime         time.Time `json:"end_time" binding:"required"`
			RoomLocation    string    `json:"room_location"`
			TotalEnrolled   int       `json:"total_enrolled"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		totalEnrolled := req.TotalEnrolled
		if totalEnrolled == 0 {
			if n, err := rosterClient.Enrollment(c.Request.Context(), req.ClassInstanceID); err != nil {
				logger.Warn("enrollment lookup failed", zap.String("class_instance_id", req.ClassInstanceID), zap.Error(err))
			} else {
				totalEnrolled = n
			}
		}

		s := session.Session{
			ClassInstanceID: req.ClassInstanceID,
			ProfessorID:     auth.FromContext(c).Subject,
			Date:            req.Date,
			StartTime:       req.StartTime.UTC(),
			EndTime:         req.EndTime.UTC(),
			RoomLocation:    req.RoomLocation,
			Status:          session.StatusScheduled,
			TotalEnrolled:   totalEnrolled,
		}
		created, err := repo.CreateSession(c.Request.Context(), s)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session create failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": created.ID, "status": created.Status, "total_enrolled": totalEnrolled})
	})

	professor.GET("/sessions", func(c *gin.Context) {
		professorID := c.Query("professor_id")
		if professorID == "" {
			professorID = auth.FromContext(c).Subject
		}
		var date time.Time
		if v := c.Query("date"); v != "" {
			parsed, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
			date = parsed
		}
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		sessions, err := repo.ListSessions(c.Request.Context(), professorID, date, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	professor.GET("/sessions/:id", func(c *gin.Context) {
		s, err := repo.LoadSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondFailure(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	})

	professor.POST("/sessions/:id/activate", func(c *gin.Context) {
		s, tok, err := manager.Activate(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondFailure(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        s.Status,
			"qr_payload":    token.Encode(tok),
			"qr_expires_at": s.QRExpiresAt,
		})
	})

	professor.POST("/sessions/:id/complete", func(c *gin.Context) {
		s, err := manager.Complete(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondFailure(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": s.Status})
	})

	professor.POST("/sessions/:id/cancel", func(c *gin.Context) {
		s, err := manager.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondFailure(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": s.Status})
	})

	professor.GET("/sessions/:id/token", func(c *gin.Context) {
		tok, err := manager.CurrentToken(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondFailure(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"qr_payload": token.Encode(tok),
			"expires_at": tok.ExpiresAt,
		})
	})

	professor.GET("/sessions/:id/qr.png", func(c *gin.Context) {
		tok, err := manager.CurrentToken(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondFailure(c, err)
			return
		}
		png, err := qrcode.Encode(token.Encode(tok), qrcode.Medium, 512)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr render failed"})
			return
		}
		// Callers must re-fetch after each rotation; forbid caching.
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/png", png)
	})

	professor.GET("/sessions/:id/attendance", func(c *gin.Context) {
		records, err := repo.ListAttendance(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	student := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	student.POST("/scans", func(c *gin.Context) {
		var req struct {
			SessionID         string    `json:"session_id" binding:"required"`
			QRPayload         string    `json:"qr_payload" binding:"required"`
			DeviceFingerprint string    `json:"device_fingerprint"`
			ClientTimestamp   time.Time `json:"client_timestamp"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := verifier.Submit(c.Request.Context(), session.ScanInput{
			SessionID:         req.SessionID,
			Payload:           req.QRPayload,
			StudentID:         auth.FromContext(c).Subject,
			DeviceFingerprint: req.DeviceFingerprint,
			ClientTimestamp:   req.ClientTimestamp,
		})
		if err != nil {
			respondFailure(c, err)
			return
		}
		body := gin.H{"status": res.Status, "attendance_count": res.AttendanceCount}
		if res.Status == session.RecordLate {
			body["minutes_late"] = res.MinutesLate
		}
		c.JSON(http.StatusCreated, body)
	})

	// Dashboard sockets authenticate via query parameter; browsers cannot
	// set headers on websocket upgrades.
	r.GET("/v1/ws", func(c *gin.Context) {
		claims, err := auth.Parse(c.Query("access_token"), cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		topics := strings.Split(c.Query("topics"), ",")
		if len(topics) == 0 || topics[0] == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "topics required"})
			return
		}
		logger.Debug("dashboard subscribed",
			zap.String("subject", claims.Subject), zap.Strings("topics", topics))
		broadcast.ServeWS(c.Writer, c.Request, hub, topics, logger)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}

// respondFailure maps the engine's typed outcomes to HTTP responses. Codes
// are stable strings clients branch on for their user-facing messages.
func respondFailure(c *gin.Context, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrSessionNotActive):
		status, code = http.StatusConflict, "session_not_active"
	case errors.Is(err, session.ErrAlreadyActivated):
		status, code = http.StatusConflict, "already_activated"
	case errors.Is(err, session.ErrAlreadyCompleted):
		status, code = http.StatusConflict, "already_completed"
	case errors.Is(err, session.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, session.ErrAlreadyScanned):
		status, code = http.StatusConflict, "already_scanned"
	case errors.Is(err, session.ErrSessionWindowClosed):
		status, code = http.StatusGone, "session_window_closed"
	case errors.Is(err, session.ErrScanTooEarly):
		status, code = http.StatusConflict, "scan_too_early"
	case errors.Is(err, token.ErrExpired):
		status, code = http.StatusGone, "token_expired"
	case errors.Is(err, token.ErrSignatureMismatch):
		status, code = http.StatusForbidden, "token_invalid"
	case errors.Is(err, token.ErrMalformed):
		status, code = http.StatusBadRequest, "token_malformed"
	case errors.Is(err, session.ErrTimeout):
		status, code = http.StatusGatewayTimeout, "store_timeout"
	default:
		status, code = http.StatusInternalServerError, "internal"
	}
	c.JSON(status, gin.H{"error": code})
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
