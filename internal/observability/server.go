package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/hubd/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusFunc returns the JSON-serializable snapshot served on /status.
type StatusFunc func() any

// AdminConfig controls the optional loopback admin server.
type AdminConfig struct {
	Addr        string
	CORSOrigins []string
	Status      StatusFunc
	Logger      zerolog.Logger

	// Token, when set, is required as a bearer token on /status.
	Token string
}

// Admin serves /healthz, /status and /metrics.
type Admin struct {
	cfg     AdminConfig
	router  *gin.Engine
	started time.Time
	srv     *http.Server
	ln      net.Listener
}

func NewAdmin(cfg AdminConfig) *Admin {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestObserver(cfg.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{cfg: cfg, router: r, started: time.Now()}
	a.routes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) routes() {
	a.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(a.started).String(),
		})
	})
	status := a.router.Group("/")
	if a.cfg.Token != "" {
		status.Use(requireToken(auth.StaticToken{Token: a.cfg.Token}))
	}
	status.GET("/status", func(c *gin.Context) {
		if a.cfg.Status == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status unavailable"})
			return
		}
		c.JSON(http.StatusOK, a.cfg.Status())
	})
	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start listens on cfg.Addr and serves in the background.
func (a *Admin) Start() error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.srv = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.cfg.Logger.Error().Err(err).Msg("admin server stopped")
		}
	}()
	a.cfg.Logger.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Addr is the bound listen address, valid after Start.
func (a *Admin) Addr() string {
	if a.ln == nil {
		return a.cfg.Addr
	}
	return a.ln.Addr().String()
}

func (a *Admin) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.CheckHeader(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
