// Command sessiond runs the session broker behind a thin HTTP/WebSocket
// surface. The surface itself (auth framing, routing) is explicitly not
// part of the core; it exists only to make the broker reachable.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sessiond/internal/bridge"
	"sessiond/internal/broker"
	"sessiond/internal/logging"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.S()

	if err := godotenv.Load(); err != nil {
		log.Warn("no .env file found, using environment variables")
	}

	cfg := loadBrokerConfig()

	var spawner broker.PtySpawner
	var runtime broker.ContainerRuntime
	if cfg.ContainerMode {
		dr, err := broker.NewDockerContainerRuntime()
		if err != nil {
			log.Fatalf("container mode enabled but docker client init failed: %v", err)
		}
		runtime = dr
		log.Info("container mode enabled: sessions run inside per-user Docker containers")
	} else {
		spawner = broker.HostPtySpawner{Grace: cfg.PtyGrace}
		log.Info("host mode enabled: sessions run as local shells")
	}

	b := broker.NewSessionBroker(cfg, spawner, runtime)

	reg := prometheus.DefaultRegisterer
	metrics := broker.NewMetrics(reg)
	b.SetMetrics(metrics)

	stopMaintenance := b.StartMaintenance()
	defer stopMaintenance()

	identity, err := broker.NewJWTIdentityProvider("SESSION_JWT_SECRET")
	if err != nil {
		log.Fatalf("identity provider init failed: %v", err)
	}

	router := newRouter(b, identity, cfg.PingInterval)

	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infof("sessiond listening on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("server failed: %v", err)
	case sig := <-quit:
		log.Infof("received signal %v, starting graceful shutdown", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http server shutdown error: %v", err)
	}

	b.Close()
	log.Info("graceful shutdown complete")
}

// loadBrokerConfig overlays every broker knob with an env var when set,
// falling back to DefaultConfig otherwise.
func loadBrokerConfig() broker.Config {
	cfg := broker.DefaultConfig()
	cfg.MaxOutputChunks = getEnvInt("SESSION_MAX_OUTPUT_CHUNKS", cfg.MaxOutputChunks)
	cfg.MaxOutputBytes = getEnvInt("SESSION_MAX_OUTPUT_BYTES", cfg.MaxOutputBytes)
	cfg.ReplayK = getEnvInt("SESSION_REPLAY_K", cfg.ReplayK)
	cfg.MaxSessionsPerUser = getEnvInt("SESSION_MAX_PER_USER", cfg.MaxSessionsPerUser)
	cfg.PingInterval = getEnvDuration("SESSION_PING_INTERVAL", cfg.PingInterval)
	cfg.DetachReap = getEnvDuration("SESSION_DETACH_REAP", cfg.DetachReap)
	cfg.DetachedTTL = getEnvDuration("SESSION_DETACHED_TTL", cfg.DetachedTTL)
	cfg.DeadTTL = getEnvDuration("SESSION_DEAD_TTL", cfg.DeadTTL)
	cfg.AuditInterval = getEnvDuration("SESSION_AUDIT_INTERVAL", cfg.AuditInterval)
	cfg.ReapInterval = getEnvDuration("SESSION_REAP_INTERVAL", cfg.ReapInterval)
	cfg.PtyGrace = getEnvDuration("SESSION_PTY_GRACE", cfg.PtyGrace)
	cfg.ShutdownGrace = getEnvDuration("SESSION_SHUTDOWN_GRACE", cfg.ShutdownGrace)
	cfg.CWDDelay = getEnvDuration("SESSION_CWD_DELAY", cfg.CWDDelay)
	cfg.StaleClientThreshold = getEnvDuration("SESSION_STALE_CLIENT_THRESHOLD", cfg.StaleClientThreshold)
	cfg.ContainerMode = getEnv("SESSION_CONTAINER_MODE", "false") == "true"
	return cfg
}

// upgrader is shared by the terminal and list WebSocket endpoints.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newRouter(b *broker.SessionBroker, identity broker.IdentityProvider, pingInterval time.Duration) *gin.Engine {
	if getEnv("ENVIRONMENT", "") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws/terminal", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		hs := bridge.HandshakeParams{
			Token:     c.Query("token"),
			SessionID: c.Query("sessionId"),
			DeviceID:  c.Query("deviceId"),
		}
		if hs.Token == "" {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1008, "Authentication required"), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		bridge.Serve(c.Request.Context(), conn, b, identity, pingInterval, hs)
	})

	router.GET("/ws/sessions", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		token := c.Query("token")
		if token == "" {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1008, "Authentication required"), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		bridge.ServeList(c.Request.Context(), conn, b, identity, pingInterval, token)
	})

	return router
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
