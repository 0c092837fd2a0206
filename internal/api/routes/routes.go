package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/Wikid82/sigforge/internal/api/handlers"
	"github.com/Wikid82/sigforge/internal/compiler"
	"github.com/Wikid82/sigforge/internal/database"
	"github.com/Wikid82/sigforge/internal/services"
)

// Deps are the long-lived components built at startup and shared with the
// scheduler. Scheduler and Registry may be nil.
type Deps struct {
	Notifications *services.NotificationService
	Sources       *services.SourceService
	Compiler      *compiler.Compiler
	Scheduler     handlers.Scheduler
	Registry      *prometheus.Registry
}

// Register wires up API routes and performs automatic migrations.
func Register(router *gin.Engine, db *gorm.DB, deps Deps) error {
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	router.GET("/api/v1/health", handlers.HealthHandler)
	router.GET("/api/v1/ready", handlers.ReadyHandler(db))
	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")

	rulesetService := services.NewRulesetService(db, deps.Sources)
	ruleService := services.NewRuleService(db, deps.Compiler)
	thresholdService := services.NewThresholdService(db)

	// Sources and their snapshots
	sourceHandler := handlers.NewSourceHandler(deps.Sources, ruleService, deps.Compiler, deps.Scheduler)
	api.GET("/sources", sourceHandler.List)
	api.POST("/sources", sourceHandler.Create)
	api.GET("/sources/:id", sourceHandler.Get)
	api.PUT("/sources/:id", sourceHandler.Update)
	api.DELETE("/sources/:id", sourceHandler.Delete)
	api.POST("/sources/:id/update", sourceHandler.Refresh)
	api.POST("/sources/:id/activate", sourceHandler.Activate)
	api.POST("/sources/:id/test", sourceHandler.Test)
	api.GET("/sources/:id/categories", sourceHandler.Categories)
	api.GET("/sources/:id/changelog", sourceHandler.Changelog)
	api.GET("/sources/:id/diff", sourceHandler.DiffVersions)
	api.GET("/updates/:uuid", sourceHandler.GetUpdate)
	api.GET("/updates/:uuid/diff", sourceHandler.DiffUpdate)

	// Rulesets
	rulesetHandler := handlers.NewRulesetHandler(rulesetService, deps.Compiler, deps.Notifications)
	api.GET("/rulesets", rulesetHandler.List)
	api.POST("/rulesets", rulesetHandler.Create)
	api.GET("/rulesets/:id", rulesetHandler.Get)
	api.PUT("/rulesets/:id", rulesetHandler.Update)
	api.DELETE("/rulesets/:id", rulesetHandler.Delete)
	api.POST("/rulesets/:id/copy", rulesetHandler.Copy)
	api.PUT("/rulesets/:id/sources", rulesetHandler.SetSources)
	api.PUT("/rulesets/:id/categories", rulesetHandler.SetCategories)
	api.POST("/rulesets/:id/categories/:category_id/enable", rulesetHandler.EnableCategory)
	api.POST("/rulesets/:id/categories/:category_id/disable", rulesetHandler.DisableCategory)
	api.PUT("/rulesets/:id/categories/:category_id/transform", rulesetHandler.TransformCategory)
	api.POST("/rulesets/:id/rules/:rule_id/enable", rulesetHandler.EnableRule)
	api.POST("/rulesets/:id/rules/:rule_id/disable", rulesetHandler.DisableRule)
	api.PUT("/rulesets/:id/rules/:rule_id/transform", rulesetHandler.TransformRule)
	api.POST("/rulesets/:id/bulk", rulesetHandler.Bulk)
	api.GET("/rulesets/:id/rules", rulesetHandler.Rules)
	api.GET("/rulesets/:id/export", rulesetHandler.Export)
	api.POST("/rulesets/:id/test", rulesetHandler.Test)
	api.POST("/rulesets/:id/deploy", rulesetHandler.Deploy)
	api.POST("/rulesets/:id/update", rulesetHandler.Refresh)
	api.GET("/rulesets/:id/changelog", rulesetHandler.Changelog)

	// Thresholds and suppressions
	thresholdHandler := handlers.NewThresholdHandler(thresholdService)
	api.GET("/rulesets/:id/thresholds", thresholdHandler.List)
	api.POST("/rulesets/:id/thresholds", thresholdHandler.Create)
	api.POST("/rulesets/:id/thresholds/preview", thresholdHandler.Preview)
	api.GET("/thresholds/:uuid", thresholdHandler.Get)
	api.PUT("/thresholds/:uuid", thresholdHandler.Update)
	api.DELETE("/thresholds/:uuid", thresholdHandler.Delete)

	// Rules
	ruleHandler := handlers.NewRuleHandler(ruleService, deps.Compiler)
	api.GET("/rules", ruleHandler.List)
	api.GET("/rules/:id", ruleHandler.Get)
	api.GET("/rules/:id/flowbits", ruleHandler.Flowbits)
	api.PUT("/rules/:id/availability", ruleHandler.SetAvailability)
	api.GET("/rules/:id/references", ruleHandler.References)
	api.GET("/rules/:id/status", ruleHandler.Status)
	api.POST("/rules/:id/test", ruleHandler.Test)
	api.GET("/sids/:sid", ruleHandler.GetBySID)
	api.GET("/search", ruleHandler.Search)

	// Probes
	probeHandler := handlers.NewProbeHandler(deps.Compiler.Backend())
	api.GET("/probes", probeHandler.Hostnames)

	// Notifications
	notificationHandler := handlers.NewNotificationHandler(deps.Notifications)
	api.GET("/notifications", notificationHandler.List)
	api.POST("/notifications/:id/read", notificationHandler.MarkAsRead)
	api.POST("/notifications/read-all", notificationHandler.MarkAllAsRead)

	notificationProviderHandler := handlers.NewNotificationProviderHandler(deps.Notifications)
	api.GET("/notifications/providers", notificationProviderHandler.List)
	api.POST("/notifications/providers", notificationProviderHandler.Create)
	api.PUT("/notifications/providers/:id", notificationProviderHandler.Update)
	api.DELETE("/notifications/providers/:id", notificationProviderHandler.Delete)
	api.POST("/notifications/providers/test", notificationProviderHandler.Test)

	return nil
}
