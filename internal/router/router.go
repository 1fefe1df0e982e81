package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/edudesk/timetable-api/internal/handler"
	"github.com/edudesk/timetable-api/internal/middleware"
	"github.com/edudesk/timetable-api/internal/models"
	"github.com/edudesk/timetable-api/internal/service"
	"github.com/edudesk/timetable-api/pkg/config"
	"github.com/edudesk/timetable-api/pkg/logger"
	corsmiddleware "github.com/edudesk/timetable-api/pkg/middleware/cors"
	reqidmiddleware "github.com/edudesk/timetable-api/pkg/middleware/requestid"
)

// Dependencies bundles everything the HTTP surface needs.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *service.MetricsService
	Tokens  *service.TokenService

	Periods    *handler.PeriodHandler
	Timetables *handler.TimetableHandler
	Subjects   *handler.SubjectHandler
	Teachers   *handler.TeacherHandler
	Sections   *handler.ClassSectionHandler
	Terms      *handler.TermHandler
	Exports    *handler.ExportHandler
	Observe    *handler.MetricsHandler
}

// New assembles the gin engine with all routes and middleware. Read routes
// require a valid token; mutating routes additionally require scheduling
// staff roles. Export downloads are authorized by the signed token instead.
func New(deps Dependencies) *gin.Engine {
	cfg := deps.Config

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics))

	r.GET("/health", deps.Observe.Health)
	r.GET("/ready", deps.Observe.Health)
	r.GET("/metrics", deps.Observe.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(deps.Tokens))

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleOperator)

	api.GET("/periods", deps.Periods.List)
	api.POST("/periods", staff, deps.Periods.Create)
	api.DELETE("/periods/:id", staff, deps.Periods.Delete)

	api.GET("/class-sections/:id/timetable", deps.Timetables.ByClass)
	api.GET("/teachers/:id/timetable", deps.Timetables.ByTeacher)
	api.GET("/terms/:id/timetable", deps.Timetables.ByTerm)

	api.GET("/subjects", deps.Subjects.List)
	api.GET("/subjects/:id", deps.Subjects.Get)
	api.POST("/subjects", staff, deps.Subjects.Create)
	api.PUT("/subjects/:id", staff, deps.Subjects.Update)
	api.DELETE("/subjects/:id", staff, deps.Subjects.Delete)

	api.GET("/teachers", deps.Teachers.List)
	api.GET("/teachers/:id", deps.Teachers.Get)
	api.POST("/teachers", staff, deps.Teachers.Create)
	api.PUT("/teachers/:id", staff, deps.Teachers.Update)
	api.DELETE("/teachers/:id", staff, deps.Teachers.Delete)

	api.GET("/class-sections", deps.Sections.List)
	api.GET("/class-sections/:id", deps.Sections.Get)
	api.POST("/class-sections", staff, deps.Sections.Create)
	api.PUT("/class-sections/:id", staff, deps.Sections.Update)
	api.DELETE("/class-sections/:id", staff, deps.Sections.Delete)

	api.GET("/terms", deps.Terms.List)
	api.GET("/terms/:id", deps.Terms.Get)
	api.POST("/terms", staff, deps.Terms.Create)
	api.PUT("/terms/:id", staff, deps.Terms.Update)
	api.DELETE("/terms/:id", staff, deps.Terms.Delete)

	if deps.Exports != nil {
		api.POST("/terms/:id/export", staff, deps.Exports.Enqueue)
		api.GET("/exports/:jobId", deps.Exports.Status)
		// Download carries its own signed, expiring token.
		r.GET("/exports/download", deps.Exports.Download)
	}

	return r
}
