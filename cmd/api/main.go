package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/report"
	"qrattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:scans")
	}

	repo := attendance.NewRepository(db.Client)
	issuer := attendance.NewIssuer(repo, cfg.Location(),
		time.Duration(cfg.DefaultValidityMin)*time.Minute, cfg.DefaultCapacity)
	scanner := attendance.NewScanner(repo)
	reports := report.NewRepository(db.Client)

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
		dbHealthy := db != nil && db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Bootstrap token minting for gateway-less deployments. The shared key
	// stands in for the upstream identity provider.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required,oneof=lecturer student admin"`
			Key     string `json:"key" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Key != cfg.BootstrapKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad bootstrap key"})
			return
		}
		tokens, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authed := r.Group("/v1", auth.RequireAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	lecturers := authed.Group("", auth.RequireRole(auth.RoleLecturer, auth.RoleAdmin))

	lecturers.POST("/sessions", func(c *gin.Context) {
		var req struct {
			UnitName        string `json:"unit_name" binding:"required"`
			UnitCode        string `json:"unit_code" binding:"required"`
			Date            string `json:"date" binding:"required"`
			StartTime       string `json:"start_time" binding:"required"`
			EndTime         string `json:"end_time" binding:"required"`
			Venue           string `json:"venue" binding:"required"`
			Capacity        int    `json:"capacity"`
			ValidityMinutes int    `json:"validity_minutes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		draft := attendance.SessionDraft{
			OwnerID:   auth.FromContext(c).Subject,
			UnitName:  req.UnitName,
			UnitCode:  req.UnitCode,
			Date:      req.Date,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
			Venue:     req.Venue,
			Capacity:  req.Capacity,
		}
		res, err := issuer.Issue(c.Request.Context(), draft, req.ValidityMinutes)
		if err != nil {
			writeIssueError(c, err)
			return
		}
		metrics.TokensIssued.Inc()
		c.JSON(http.StatusCreated, gin.H{
			"session": res.Session,
			"payload": res.Payload,
		})
	})

	lecturers.POST("/sessions/:id/token", func(c *gin.Context) {
		sess, ok := ownedSession(c, issuer)
		if !ok {
			return
		}
		var req struct {
			ValidityMinutes int `json:"validity_minutes"`
		}
		// Body is optional for reissue.
		_ = c.ShouldBindJSON(&req)

		res, err := issuer.Reissue(c.Request.Context(), sess.ID, req.ValidityMinutes)
		if err != nil {
			writeIssueError(c, err)
			return
		}
		if res.Token.ID != sess.TokenID {
			metrics.TokensIssued.Inc()
		}
		c.JSON(http.StatusOK, gin.H{"payload": res.Payload})
	})

	lecturers.DELETE("/tokens/:id", func(c *gin.Context) {
		tokenID := c.Param("id")
		tok, err := issuer.Token(c.Request.Context(), tokenID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if tok != nil && !isOwnerOfSession(c, issuer, tok.SessionID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "not the session owner"})
			return
		}
		// Unknown or already-dead tokens revoke to the same place.
		if err := issuer.Revoke(c.Request.Context(), tokenID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	lecturers.GET("/tokens/stats", func(c *gin.Context) {
		stats, err := issuer.UsageStats(c.Request.Context(), auth.FromContext(c).Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	lecturers.GET("/sessions/:id/entries", func(c *gin.Context) {
		sess, ok := ownedSession(c, issuer)
		if !ok {
			return
		}
		limit, offset := intQuery(c, "limit", 50), intQuery(c, "offset", 0)
		entries, err := issuer.Entries(c.Request.Context(), sess.ID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "attendance_count": sess.AttendanceCount})
	})

	lecturers.GET("/sessions/:id/rollups", func(c *gin.Context) {
		sess, ok := ownedSession(c, issuer)
		if !ok {
			return
		}
		rollups, err := reports.BySession(c.Request.Context(), sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rollups": rollups})
	})

	lecturers.PATCH("/entries/:id/status", func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := issuer.Override(c.Request.Context(), c.Param("id"), attendance.EntryStatus(req.Status))
		switch {
		case err == nil:
			c.Status(http.StatusNoContent)
		case attendance.AsValidation(err) != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, attendance.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})

	students := authed.Group("", auth.RequireRole(auth.RoleStudent, auth.RoleAdmin))

	students.POST("/scans", func(c *gin.Context) {
		var req struct {
			TokenID   string     `json:"token_id" binding:"required"`
			ScannedAt *time.Time `json:"scanned_at"`
			DeviceID  string     `json:"device_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		scannedAt := time.Time{}
		if req.ScannedAt != nil {
			scannedAt = *req.ScannedAt
		}
		result, err := scanner.Scan(c.Request.Context(), req.TokenID, auth.FromContext(c).Subject, scannedAt, req.DeviceID)
		if err != nil {
			writeScanError(c, err)
			return
		}
		metrics.ScansAccepted.Inc()

		msg, err := queue.NewScanMessage(queue.ScanEvent{
			EntryID:   result.EntryID,
			SessionID: result.SessionID,
			ScannedAt: result.ScannedAt,
		})
		if err == nil {
			if err := q.Publish(c.Request.Context(), msg); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		}

		c.JSON(http.StatusCreated, result)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// ownedSession resolves the :id session and enforces ownership. Admins may
// act on any session.
func ownedSession(c *gin.Context, issuer *attendance.Issuer) (*attendance.Session, bool) {
	sess, err := issuer.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	claims := auth.FromContext(c)
	if claims.Role != auth.RoleAdmin && sess.OwnerID != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"error": "not the session owner"})
		return nil, false
	}
	return sess, true
}

func isOwnerOfSession(c *gin.Context, issuer *attendance.Issuer, sessionID string) bool {
	claims := auth.FromContext(c)
	if claims.Role == auth.RoleAdmin {
		return true
	}
	sess, err := issuer.Session(c.Request.Context(), sessionID)
	if err != nil || sess == nil {
		return false
	}
	return sess.OwnerID == claims.Subject
}

func writeIssueError(c *gin.Context, err error) {
	switch {
	case attendance.AsValidation(err) != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": attendance.AsValidation(err).Fields})
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, attendance.ErrSessionUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": attendance.ErrSessionUnavailable.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func writeScanError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attendance.ErrAlreadyRecorded):
		status = http.StatusConflict
	case errors.Is(err, attendance.ErrTokenUnusable):
		status = http.StatusGone
	case errors.Is(err, attendance.ErrSessionUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, attendance.ErrOutsideWindow):
		status = http.StatusUnprocessableEntity
	}
	if status != http.StatusInternalServerError {
		metrics.ScansRejected.WithLabelValues(err.Error()).Inc()
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
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
