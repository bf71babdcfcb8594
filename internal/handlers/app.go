package handlers

import (
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shridarpatil/wasend/internal/config"
	"github.com/shridarpatil/wasend/internal/queue"
	"github.com/shridarpatil/wasend/pkg/whatsapp"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// App holds all dependencies for handlers
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Log       logf.Logger
	WhatsApp  *whatsapp.Client
	Publisher *queue.Publisher

	// wg tracks background goroutines for graceful shutdown
	wg sync.WaitGroup
}

// WaitForBackgroundTasks blocks until all background goroutines complete.
// Call this during graceful shutdown to ensure webhook processing finishes.
func (a *App) WaitForBackgroundTasks() {
	a.wg.Wait()
}

// pathUUID extracts and parses a UUID path parameter
func pathUUID(r *fastglue.Request, name string) (uuid.UUID, error) {
	raw, _ := r.RequestCtx.UserValue(name).(string)
	return uuid.Parse(raw)
}

// HealthCheck returns server health status
func (a *App) HealthCheck(r *fastglue.Request) error {
	return r.SendEnvelope(map[string]string{
		"status":  "ok",
		"service": "wasend",
	})
}

// ReadyCheck returns server readiness status
func (a *App) ReadyCheck(r *fastglue.Request) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Database connection error", nil, "")
	}
	if err := sqlDB.Ping(); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Database ping failed", nil, "")
	}

	if a.Redis != nil {
		if err := a.Redis.Ping(r.RequestCtx).Err(); err != nil {
			return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "Redis connection error", nil, "")
		}
	}

	return r.SendEnvelope(map[string]string{
		"status": "ready",
	})
}
