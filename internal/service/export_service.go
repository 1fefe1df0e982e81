package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edudesk/timetable-api/internal/models"
	appErrors "github.com/edudesk/timetable-api/pkg/errors"
	"github.com/edudesk/timetable-api/pkg/export"
	"github.com/edudesk/timetable-api/pkg/jobs"
	"github.com/edudesk/timetable-api/pkg/storage"
)

type termTimetableSource interface {
	ByTerm(ctx context.Context, termID string) ([]models.PeriodView, error)
}

type exportPayload struct {
	JobID  string
	TermID string
	Format models.ExportFormat
}

// ExportService renders term timetables as downloadable CSV or PDF files.
// Rendering runs on a background worker pool; clients poll the job status and
// receive a signed, expiring download link once the file is ready. Job state
// is in-memory and reset on restart, matching the disposable nature of the
// export files themselves.
type ExportService struct {
	timetables termTimetableSource
	terms      termDirectory
	subjects   subjectDirectory
	teachers   teacherDirectory
	sections   classSectionLookup

	csv    *export.CSVExporter
	pdf    *export.PDFExporter
	store  *storage.LocalStorage
	signer *storage.SignedURLSigner
	queue  *jobs.Queue
	logger *zap.Logger

	cleanupInterval time.Duration
	fileTTL         time.Duration

	mu      sync.RWMutex
	records map[string]*models.ExportJob
}

// ExportQueueConfig tunes the export worker pool and the file sweep.
// CleanupInterval of zero disables the periodic sweep; FileTTL bounds how
// long orphaned files survive on disk.
type ExportQueueConfig struct {
	Workers         int
	BufferSize      int
	MaxRetries      int
	RetryDelay      time.Duration
	CleanupInterval time.Duration
	FileTTL         time.Duration
}

// NewExportService wires the exporter with its renderers, storage and queue.
func NewExportService(
	timetables termTimetableSource,
	terms termDirectory,
	subjects subjectDirectory,
	teachers teacherDirectory,
	sections classSectionLookup,
	store *storage.LocalStorage,
	signer *storage.SignedURLSigner,
	cfg ExportQueueConfig,
	logger *zap.Logger,
) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ExportService{
		timetables: timetables,
		terms:      terms,
		subjects:   subjects,
		teachers:   teachers,
		sections:   sections,
		csv:        export.NewCSVExporter(),
		pdf:        export.NewPDFExporter(),
		store:      store,
		signer:     signer,
		logger:     logger,
		records:    make(map[string]*models.ExportJob),

		cleanupInterval: cfg.CleanupInterval,
		fileTTL:         cfg.FileTTL,
	}
	s.queue = jobs.NewQueue("timetable-export", s.process, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the export workers and, when configured, a goroutine that
// sweeps expired export files periodically.
func (s *ExportService) Start(ctx context.Context) {
	s.queue.Start(ctx)
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CleanupExpired()
			}
		}
	}()
}

// Stop drains the export workers.
func (s *ExportService) Stop() {
	s.queue.Stop()
}

// Enqueue registers a new export job for a term and schedules it.
// requestedBy is kept for auditing and may be empty.
func (s *ExportService) Enqueue(ctx context.Context, termID string, format models.ExportFormat, requestedBy string) (*models.ExportJob, error) {
	if format != models.ExportFormatCSV && format != models.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
	if _, err := s.terms.FindByID(ctx, termID); err != nil {
		return nil, notFoundOr(err, "term not found", "failed to load term")
	}

	record := &models.ExportJob{
		ID:          uuid.NewString(),
		TermID:      termID,
		Format:      format,
		RequestedBy: requestedBy,
		Status:      models.ExportJobPending,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.records[record.ID] = record
	s.mu.Unlock()

	err := s.queue.Enqueue(jobs.Job{
		ID:      record.ID,
		Type:    "timetable-export",
		Payload: exportPayload{JobID: record.ID, TermID: termID, Format: format},
	})
	if err != nil {
		s.fail(record.ID, err)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export")
	}
	return s.snapshot(record.ID), nil
}

// Status returns the current state of an export job.
func (s *ExportService) Status(jobID string) (*models.ExportJob, error) {
	record := s.snapshot(jobID)
	if record == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
	}
	return record, nil
}

// Download validates a signed token and opens the exported file for
// streaming. The caller closes the file.
func (s *ExportService) Download(token string) (*os.File, string, error) {
	jobID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "invalid download token")
	}
	record := s.snapshot(jobID)
	if record == nil || record.Status != models.ExportJobCompleted {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "export not available")
	}
	file, err := s.store.Open(relPath)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "export file not found")
	}
	return file, relPath, nil
}

// CleanupExpired drops job records whose download link has expired, deletes
// their files, and sweeps orphaned files older than the file TTL.
func (s *ExportService) CleanupExpired() {
	now := time.Now().UTC()
	var stale []string
	s.mu.Lock()
	for id, record := range s.records {
		if record.ExpiresAt == nil || record.ExpiresAt.After(now) {
			continue
		}
		if record.FilePath != "" {
			stale = append(stale, record.FilePath)
		}
		delete(s.records, id)
	}
	s.mu.Unlock()

	for _, path := range stale {
		if err := s.store.Delete(path); err != nil {
			s.logger.Warn("export cleanup delete failed", zap.String("path", path), zap.Error(err))
		}
	}

	// Files can outlive their job record after a restart.
	if s.fileTTL > 0 {
		removed, err := s.store.CleanupOlderThan(s.fileTTL)
		if err != nil {
			s.logger.Warn("export cleanup sweep failed", zap.Error(err))
			return
		}
		stale = append(stale, removed...)
	}

	if len(stale) > 0 {
		s.logger.Info("export files cleaned up", zap.Int("count", len(stale)))
	}
}

func (s *ExportService) process(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(exportPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}
	s.transition(payload.JobID, models.ExportJobRunning)

	views, err := s.timetables.ByTerm(ctx, payload.TermID)
	if err != nil {
		s.fail(payload.JobID, err)
		return fmt.Errorf("load term timetable: %w", err)
	}

	dataset, err := s.buildDataset(ctx, views)
	if err != nil {
		s.fail(payload.JobID, err)
		return fmt.Errorf("build export dataset: %w", err)
	}

	var content []byte
	switch payload.Format {
	case models.ExportFormatPDF:
		content, err = s.pdf.Render(dataset, fmt.Sprintf("Timetable %s", payload.TermID))
	default:
		content, err = s.csv.Render(dataset)
	}
	if err != nil {
		s.fail(payload.JobID, err)
		return fmt.Errorf("render export: %w", err)
	}

	filename := fmt.Sprintf("timetable-%s-%s.%s", payload.TermID, payload.JobID, payload.Format)
	if _, err := s.store.Save(filename, content); err != nil {
		s.fail(payload.JobID, err)
		return fmt.Errorf("store export: %w", err)
	}

	token, expiresAt, err := s.signer.Generate(payload.JobID, filename)
	if err != nil {
		s.fail(payload.JobID, err)
		return fmt.Errorf("sign download url: %w", err)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	if record, ok := s.records[payload.JobID]; ok {
		record.Status = models.ExportJobCompleted
		record.FilePath = filename
		record.DownloadURL = "/exports/download?token=" + token
		record.ExpiresAt = &expiresAt
		record.CompletedAt = &now
		record.Error = ""
	}
	s.mu.Unlock()
	s.logger.Info("timetable export completed",
		zap.String("job_id", payload.JobID),
		zap.String("term_id", payload.TermID),
		zap.String("format", string(payload.Format)))
	return nil
}

// buildDataset flattens the ordered period views into export rows, resolving
// names once per referenced entity.
func (s *ExportService) buildDataset(ctx context.Context, views []models.PeriodView) (export.Dataset, error) {
	subjectNames := map[string]string{}
	teacherNames := map[string]string{}
	sectionNames := map[string]string{}

	rows := make([]map[string]string, 0, len(views))
	for _, view := range views {
		subjectName, err := s.subjectName(ctx, subjectNames, view.SubjectID)
		if err != nil {
			return export.Dataset{}, err
		}
		teacherName, err := s.teacherName(ctx, teacherNames, view.TeacherID)
		if err != nil {
			return export.Dataset{}, err
		}
		sections := ""
		for i, sectionID := range view.ClassSectionIDs {
			name, err := s.sectionName(ctx, sectionNames, sectionID)
			if err != nil {
				return export.Dataset{}, err
			}
			if i > 0 {
				sections += ", "
			}
			sections += name
		}
		combined := "no"
		if view.IsCombined {
			combined = "yes"
		}
		rows = append(rows, map[string]string{
			"Day":      string(view.DayOfWeek),
			"Start":    view.Start,
			"End":      view.End,
			"Subject":  subjectName,
			"Teacher":  teacherName,
			"Sections": sections,
			"Combined": combined,
		})
	}
	return export.Dataset{
		Headers: []string{"Day", "Start", "End", "Subject", "Teacher", "Sections", "Combined"},
		Rows:    rows,
	}, nil
}

func (s *ExportService) subjectName(ctx context.Context, memo map[string]string, id string) (string, error) {
	if name, ok := memo[id]; ok {
		return name, nil
	}
	subject, err := s.subjects.FindByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load subject %s: %w", id, err)
	}
	memo[id] = subject.Name
	return subject.Name, nil
}

func (s *ExportService) teacherName(ctx context.Context, memo map[string]string, id string) (string, error) {
	if name, ok := memo[id]; ok {
		return name, nil
	}
	teacher, err := s.teachers.FindByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load teacher %s: %w", id, err)
	}
	memo[id] = teacher.FullName
	return teacher.FullName, nil
}

func (s *ExportService) sectionName(ctx context.Context, memo map[string]string, id string) (string, error) {
	if name, ok := memo[id]; ok {
		return name, nil
	}
	section, err := s.sections.FindByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load class section %s: %w", id, err)
	}
	memo[id] = section.Name
	return section.Name, nil
}

func (s *ExportService) snapshot(jobID string) *models.ExportJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[jobID]
	if !ok {
		return nil
	}
	clone := *record
	return &clone
}

func (s *ExportService) transition(jobID string, status models.ExportJobStatus) {
	s.mu.Lock()
	if record, ok := s.records[jobID]; ok {
		record.Status = status
	}
	s.mu.Unlock()
}

func (s *ExportService) fail(jobID string, err error) {
	s.mu.Lock()
	if record, ok := s.records[jobID]; ok {
		record.Status = models.ExportJobFailed
		record.Error = err.Error()
	}
	s.mu.Unlock()
}
