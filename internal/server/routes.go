package server

import (
	"github.com/OFFIS-RIT/align/backend/internal/metrics"
	"github.com/OFFIS-RIT/align/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/align/backend/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo, collector *metrics.Collector) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	if collector != nil {
		e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	}

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Alignment routes
	apiRoutes.POST("/alignments", routes.CreateAlignmentHandler)
	apiRoutes.GET("/alignments/:id", routes.GetAlignmentHandler)
	apiRoutes.GET("/alignments/:id/venn", routes.GetAlignmentVennHandler)
	apiRoutes.GET("/alignments/:id/archive", routes.GetAlignmentArchiveHandler)
	apiRoutes.POST("/alignments/:id/abort", routes.AbortAlignmentHandler)

	// Oracle routes
	oracleRoutes := apiRoutes.Group("/oracle")
	oracleRoutes.POST("/extract", routes.ExtractHandler)
	oracleRoutes.POST("/merge", routes.MergeHandler)
	oracleRoutes.POST("/score", routes.ScoreHandler)
	oracleRoutes.POST("/venn", routes.VennHandler)
}
