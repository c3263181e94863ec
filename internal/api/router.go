package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/datallboy/gopodq/internal/api/controllers"
	"github.com/datallboy/gopodq/internal/app"
)

// RegisterRoutes mounts the queue API on e.
func RegisterRoutes(e *echo.Echo, app *app.Context, queue controllers.QueueService) {
	log := app.Logger.Named("api")

	// A panicking handler must not take the download loop down with it
	e.Use(middleware.Recover())

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	queueCtrl := &controllers.QueueController{App: app, Queue: queue}

	g := e.Group("/api")

	g.GET("/queue", queueCtrl.List)
	g.POST("/queue", queueCtrl.Add)
	g.POST("/queue/purge", queueCtrl.Purge)
	g.DELETE("/queue/:index", queueCtrl.Delete)
	g.POST("/queue/:index/move", queueCtrl.Move)
	g.POST("/queue/:index/retry", queueCtrl.Retry)

	g.POST("/scheduler/start", queueCtrl.Start)
	g.POST("/scheduler/pause", queueCtrl.Pause)
	g.POST("/scheduler/stop", queueCtrl.Stop)

	g.GET("/history", queueCtrl.History)
}
