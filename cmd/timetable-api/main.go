package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/edudesk/timetable-api/api/swagger"
	"github.com/edudesk/timetable-api/internal/handler"
	"github.com/edudesk/timetable-api/internal/repository"
	"github.com/edudesk/timetable-api/internal/router"
	"github.com/edudesk/timetable-api/internal/service"
	"github.com/edudesk/timetable-api/pkg/cache"
	"github.com/edudesk/timetable-api/pkg/config"
	"github.com/edudesk/timetable-api/pkg/database"
	"github.com/edudesk/timetable-api/pkg/logger"
	"github.com/edudesk/timetable-api/pkg/storage"
)

// @title Timetable API
// @version 1.0.0
// @description Timetable conflict scheduler for school class periods
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect database", "error", err)
	}
	defer db.Close()

	metrics := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if cfg.Schedule.CacheEnabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect redis", "error", err)
		}
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		defer cacheRepo.Close() //nolint:errcheck
		cacheSvc = service.NewCacheService(cacheRepo, metrics, cfg.Schedule.CacheTTL, logr, true)
	}

	periodRepo := repository.NewPeriodRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	teacherRepo := repository.NewTeacherRepository(db)
	sectionRepo := repository.NewClassSectionRepository(db)
	termRepo := repository.NewTermRepository(db)

	index := service.NewConflictIndex()
	tokens := service.NewTokenService(cfg.JWT)

	periodSvc := service.NewPeriodService(
		periodRepo, subjectRepo, teacherRepo, sectionRepo, termRepo,
		index, cacheSvc, metrics, nil, logr, cfg.Schedule.CreateRetries,
	)
	timetableSvc := service.NewTimetableQueryService(periodRepo, sectionRepo, teacherRepo, termRepo, cacheSvc, logr)
	subjectSvc := service.NewSubjectService(subjectRepo, teacherRepo, nil, logr)
	teacherSvc := service.NewTeacherService(teacherRepo, nil, logr)
	sectionSvc := service.NewClassSectionService(sectionRepo, nil, logr)
	termSvc := service.NewTermService(termRepo, periodSvc, nil, logr)

	if err := periodSvc.WarmIndex(ctx); err != nil {
		logr.Sugar().Fatalw("failed to warm conflict index", "error", err)
	}

	var exportHandler *handler.ExportHandler
	if cfg.Exports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportSvc := service.NewExportService(
			timetableSvc, termRepo, subjectRepo, teacherRepo, sectionRepo,
			store, signer,
			service.ExportQueueConfig{
				Workers:         cfg.Exports.WorkerConcurrency,
				MaxRetries:      cfg.Exports.WorkerRetries,
				CleanupInterval: cfg.Exports.CleanupInterval,
				FileTTL:         cfg.Exports.SignedURLTTL,
			},
			logr,
		)
		exportSvc.Start(ctx)
		defer exportSvc.Stop()
		exportHandler = handler.NewExportHandler(exportSvc)
	}

	engine := router.New(router.Dependencies{
		Config:     cfg,
		Logger:     logr,
		Metrics:    metrics,
		Tokens:     tokens,
		Periods:    handler.NewPeriodHandler(periodSvc),
		Timetables: handler.NewTimetableHandler(timetableSvc),
		Subjects:   handler.NewSubjectHandler(subjectSvc),
		Teachers:   handler.NewTeacherHandler(teacherSvc),
		Sections:   handler.NewClassSectionHandler(sectionSvc),
		Terms:      handler.NewTermHandler(termSvc),
		Exports:    exportHandler,
		Observe:    handler.NewMetricsHandler(metrics),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
