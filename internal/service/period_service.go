package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edudesk/timetable-api/internal/models"
	"github.com/edudesk/timetable-api/internal/repository"
	appErrors "github.com/edudesk/timetable-api/pkg/errors"
)

type periodRepository interface {
	Create(ctx context.Context, period *models.Period) (*models.PeriodConflict, error)
	FindByID(ctx context.Context, id string) (*models.Period, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, filter models.PeriodFilter) ([]models.Period, int, error)
	ListAll(ctx context.Context) ([]models.Period, error)
}

type subjectDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

type teacherDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Teacher, error)
}

type classSectionDirectory interface {
	MissingIDs(ctx context.Context, ids []string) ([]string, error)
}

type termDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
}

// CreatePeriodRequest describes the payload for scheduling a period. Times are
// HH:MM clock strings; TeacherID may be omitted to fall back to the subject's
// default teacher. Multiple class sections make a combined lesson.
type CreatePeriodRequest struct {
	TermID          string   `json:"term_id" validate:"required"`
	SubjectID       string   `json:"subject_id" validate:"required"`
	TeacherID       string   `json:"teacher_id"`
	ClassSectionIDs []string `json:"class_section_ids" validate:"required,min=1,unique,dive,required"`
	DayOfWeek       string   `json:"day_of_week" validate:"required"`
	Start           string   `json:"start" validate:"required"`
	End             string   `json:"end" validate:"required"`
}

// PeriodService schedules timetable periods with conflict detection. All
// checks run before any mutation: the in-memory index gives a fast first
// answer and the repository re-checks under per-bucket locks inside the
// insert transaction, so no two overlapping periods for the same teacher or
// class section can both commit, regardless of request interleaving.
type PeriodService struct {
	repo      periodRepository
	subjects  subjectDirectory
	teachers  teacherDirectory
	sections  classSectionDirectory
	terms     termDirectory
	index     *ConflictIndex
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	retries   int
}

// NewPeriodService instantiates the scheduler.
func NewPeriodService(
	repo periodRepository,
	subjects subjectDirectory,
	teachers teacherDirectory,
	sections classSectionDirectory,
	terms termDirectory,
	index *ConflictIndex,
	cache *CacheService,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
	retries int,
) *PeriodService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if index == nil {
		index = NewConflictIndex()
	}
	if retries <= 0 {
		retries = 3
	}
	return &PeriodService{
		repo:      repo,
		subjects:  subjects,
		teachers:  teachers,
		sections:  sections,
		terms:     terms,
		index:     index,
		cache:     cache,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		retries:   retries,
	}
}

// WarmIndex rebuilds the conflict index from the period table. Called at
// startup before the server accepts traffic.
func (s *PeriodService) WarmIndex(ctx context.Context) error {
	periods, err := s.repo.ListAll(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to warm conflict index")
	}
	s.index.Rebuild(periods)
	s.logger.Info("conflict index warmed", zap.Int("periods", len(periods)), zap.Int("entries", s.index.Len()))
	return nil
}

// Create schedules a new period after validating the slot, resolving the
// effective teacher and checking every touched resource for overlap.
func (s *PeriodService) Create(ctx context.Context, req CreatePeriodRequest) (*models.PeriodView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid period payload")
	}

	slot, err := parseSlot(req.DayOfWeek, req.Start, req.End)
	if err != nil {
		return nil, err
	}

	if _, err := s.terms.FindByID(ctx, req.TermID); err != nil {
		return nil, notFoundOr(err, "term not found", "failed to load term")
	}

	teacherID, err := s.resolveTeacher(ctx, req)
	if err != nil {
		return nil, err
	}

	missing, err := s.sections.MissingIDs(ctx, req.ClassSectionIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check class sections")
	}
	if len(missing) > 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("class section %s not found", missing[0]))
	}

	period := &models.Period{
		TermID:          req.TermID,
		SubjectID:       req.SubjectID,
		TeacherID:       teacherID,
		DayOfWeek:       slot.DayOfWeek,
		StartMinute:     slot.StartMinute,
		EndMinute:       slot.EndMinute,
		ClassSectionIDs: req.ClassSectionIDs,
	}

	if err := s.checkIndex(period, slot); err != nil {
		return nil, err
	}

	if err := s.commit(ctx, period); err != nil {
		return nil, err
	}

	s.index.Insert(models.DimensionTeacher, period.TeacherID, period.TermID, slot, period.ID)
	for _, sectionID := range period.ClassSectionIDs {
		s.index.Insert(models.DimensionClass, sectionID, period.TermID, slot, period.ID)
	}
	s.metrics.RecordPeriodCreated()
	s.invalidateTerm(ctx, period.TermID)

	view := models.NewPeriodView(*period)
	return &view, nil
}

// Delete removes a period and its conflict-index entries. Deleting an unknown
// id is a no-op success, matching cascade semantics.
func (s *PeriodService) Delete(ctx context.Context, id string) error {
	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load period")
	}

	if _, err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete period")
	}

	s.index.RemovePeriod(id)
	s.invalidateTerm(ctx, existing.TermID)
	return nil
}

// List returns periods with pagination metadata for the admin view.
func (s *PeriodService) List(ctx context.Context, filter models.PeriodFilter) ([]models.PeriodView, *models.Pagination, error) {
	periods, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list periods")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	views := make([]models.PeriodView, len(periods))
	for i, period := range periods {
		views[i] = models.NewPeriodView(period)
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return views, pagination, nil
}

// DropTerm evicts a deleted term from the conflict index and cache. Invoked
// by the term service after a cascading delete.
func (s *PeriodService) DropTerm(ctx context.Context, termID string) {
	s.index.RemoveTerm(termID)
	s.invalidateTerm(ctx, termID)
}

func (s *PeriodService) resolveTeacher(ctx context.Context, req CreatePeriodRequest) (string, error) {
	subject, err := s.subjects.FindByID(ctx, req.SubjectID)
	if err != nil {
		return "", notFoundOr(err, "subject not found", "failed to load subject")
	}

	teacherID := req.TeacherID
	if teacherID == "" {
		if subject.DefaultTeacherID == nil || *subject.DefaultTeacherID == "" {
			return "", appErrors.Clone(appErrors.ErrNoTeacherAssigned, fmt.Sprintf("subject %s has no assigned teacher", subject.Name))
		}
		teacherID = *subject.DefaultTeacherID
	}

	teacher, err := s.teachers.FindByID(ctx, teacherID)
	if err != nil {
		return "", notFoundOr(err, "teacher not found", "failed to load teacher")
	}
	if !teacher.Active {
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("teacher %s is not active", teacher.FullName))
	}
	return teacherID, nil
}

// checkIndex runs the fast-path conflict checks: teacher first, then class
// sections in request order so the first reported conflict is stable.
func (s *PeriodService) checkIndex(period *models.Period, slot models.TimeSlot) error {
	if booked, ok := s.index.FindConflict(models.DimensionTeacher, period.TeacherID, period.TermID, slot); ok {
		return s.conflictError(&models.PeriodConflict{
			PeriodID:  booked.PeriodID,
			TermID:    period.TermID,
			TeacherID: period.TeacherID,
			DayOfWeek: booked.Slot.DayOfWeek,
			Start:     booked.Slot.StartClock(),
			End:       booked.Slot.EndClock(),
			Dimension: models.DimensionTeacher,
		})
	}
	for _, sectionID := range period.ClassSectionIDs {
		if booked, ok := s.index.FindConflict(models.DimensionClass, sectionID, period.TermID, slot); ok {
			return s.conflictError(&models.PeriodConflict{
				PeriodID:       booked.PeriodID,
				TermID:         period.TermID,
				TeacherID:      period.TeacherID,
				DayOfWeek:      booked.Slot.DayOfWeek,
				Start:          booked.Slot.StartClock(),
				End:            booked.Slot.EndClock(),
				Dimension:      models.DimensionClass,
				ClassSectionID: sectionID,
			})
		}
	}
	return nil
}

// commit persists the period, retrying transient storage failures a bounded
// number of times. Conflicts reported by the locked repository re-check are
// lost races, mapped onto the same taxonomy as fast-path rejections.
func (s *PeriodService) commit(ctx context.Context, period *models.Period) error {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		start := time.Now()
		conflict, err := s.repo.Create(ctx, period)
		s.metrics.ObserveDBQuery("period_create", time.Since(start))
		if err == nil {
			if conflict != nil {
				return s.conflictError(conflict)
			}
			return nil
		}
		if !errors.Is(err, repository.ErrSerialization) {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create period")
		}
		lastErr = err
		s.logger.Warn("period create serialization failure, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return appErrors.Wrap(ctx.Err(), appErrors.ErrSchedulingUnavailable.Code, appErrors.ErrSchedulingUnavailable.Status, appErrors.ErrSchedulingUnavailable.Message)
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return appErrors.Wrap(lastErr, appErrors.ErrSchedulingUnavailable.Code, appErrors.ErrSchedulingUnavailable.Status, appErrors.ErrSchedulingUnavailable.Message)
}

func (s *PeriodService) conflictError(conflict *models.PeriodConflict) error {
	base := appErrors.ErrTeacherConflict
	message := fmt.Sprintf("teacher already booked %s %s-%s", conflict.DayOfWeek, conflict.Start, conflict.End)
	if conflict.Dimension == models.DimensionClass {
		base = appErrors.ErrClassConflict
		message = fmt.Sprintf("class section %s already booked %s %s-%s", conflict.ClassSectionID, conflict.DayOfWeek, conflict.Start, conflict.End)
	}
	s.metrics.RecordPeriodConflict(string(conflict.Dimension))
	domainErr := &models.PeriodConflictError{Dimension: conflict.Dimension, Message: message, Conflict: *conflict}
	return appErrors.Wrap(domainErr, base.Code, base.Status, message)
}

func (s *PeriodService) invalidateTerm(ctx context.Context, termID string) {
	if !s.cache.Enabled() {
		return
	}
	_ = s.cache.Invalidate(ctx, fmt.Sprintf("timetable:%s:*", termID))
}

func parseSlot(day, start, end string) (models.TimeSlot, error) {
	dayOfWeek, ok := models.ParseDayOfWeek(day)
	if !ok {
		return models.TimeSlot{}, appErrors.Clone(appErrors.ErrInvalidSlot, fmt.Sprintf("unknown day of week %q", day))
	}
	startMinute, err := models.ParseClock(start)
	if err != nil {
		return models.TimeSlot{}, appErrors.Wrap(err, appErrors.ErrInvalidSlot.Code, appErrors.ErrInvalidSlot.Status, "invalid start time")
	}
	endMinute, err := models.ParseClock(end)
	if err != nil {
		return models.TimeSlot{}, appErrors.Wrap(err, appErrors.ErrInvalidSlot.Code, appErrors.ErrInvalidSlot.Status, "invalid end time")
	}
	slot := models.TimeSlot{DayOfWeek: dayOfWeek, StartMinute: startMinute, EndMinute: endMinute}
	if err := slot.Validate(); err != nil {
		return models.TimeSlot{}, err
	}
	return slot, nil
}

func notFoundOr(err error, notFoundMsg, internalMsg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, notFoundMsg)
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, internalMsg)
}
