package admin

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/artifact-proxy/internal/routing"
)

// SnapshotSource 提供当前快照与配置文件路径，*routing.Source 即满足该接口。
type SnapshotSource interface {
	Current() *routing.Snapshot
	Path() string
}

// AppOptions 描述诊断服务的依赖。
type AppOptions struct {
	Logger  *logrus.Logger
	Source  SnapshotSource
	Started time.Time
}

const contextKeyRequestID = "_artifact_proxy_request_id"

// NewApp 构建诊断用 Fiber 应用，所有路由都挂在 /-/ 前缀下。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Source == nil {
		return nil, errors.New("snapshot source is required")
	}
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware(opts.Logger))

	registerRoutes(app, opts)
	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与 X-Request-ID 响应头。
func requestIDMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()
		logger.WithFields(logrus.Fields{
			"action":     "admin",
			"request_id": reqID,
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
		}).Debug("admin request")
		return err
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
