package platform

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// RouterConfig tunes the optional HTTP surface.
type RouterConfig struct {
	CORSEnabled    bool
	AllowedOrigins []string
	// BearerSecret, when non-empty, requires a valid HS256 bearer
	// token on every route except /health. Empty disables auth,
	// matching the teacher's "no auth required" health endpoint
	// convention extended to the whole surface for local/dev use.
	BearerSecret string
}

// Server exposes Status/Health over HTTP via gin, mirroring the
// teacher's logging/CORS/recovery middleware stack and route-group
// layout, trimmed to this plane's two read-only endpoints.
type Server struct {
	monitor *Monitor
	cfg     RouterConfig
	logger  *slog.Logger
	server  *http.Server
}

// NewServer builds an HTTP server wrapping monitor.
func NewServer(addr string, monitor *Monitor, cfg RouterConfig, logger *slog.Logger) *Server {
	router := gin.New()
	router.Use(loggingMiddleware(logger))
	router.Use(gin.Recovery())
	router.Use(securityMiddleware())

	if cfg.CORSEnabled {
		corsCfg := cors.DefaultConfig()
		if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
			corsCfg.AllowAllOrigins = true
		} else {
			corsCfg.AllowOrigins = cfg.AllowedOrigins
		}
		router.Use(cors.New(corsCfg))
	}

	router.GET("/health", healthHandler(monitor))

	protected := router.Group("/")
	if cfg.BearerSecret != "" {
		protected.Use(bearerAuthMiddleware(cfg.BearerSecret))
	}
	protected.GET("/status", statusHandler(monitor))

	return &Server{
		monitor: monitor,
		cfg:     cfg,
		logger:  logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// ListenAndServe starts the HTTP server; blocks until it returns an
// error (http.ErrServerClosed on graceful shutdown).
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to 10s for
// in-flight requests to finish.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func loggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(p gin.LogFormatterParams) string {
		logger.Info("http request", "method", p.Method, "path", p.Path, "status", p.StatusCode, "latency", p.Latency)
		return ""
	})
}

func securityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

func bearerAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Next()
	}
}

func healthHandler(monitor *Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := monitor.Health(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		code := http.StatusOK
		if report.Verdict != HealthHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}

func statusHandler(monitor *Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := monitor.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}
