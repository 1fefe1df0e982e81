package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/edudesk/timetable-api/internal/models"
	appErrors "github.com/edudesk/timetable-api/pkg/errors"
)

type timetableRepository interface {
	ListByClass(ctx context.Context, classSectionID, termID string) ([]models.Period, error)
	ListByTeacher(ctx context.Context, teacherID, termID string) ([]models.Period, error)
	ListByTerm(ctx context.Context, termID string) ([]models.Period, error)
}

type classSectionLookup interface {
	FindByID(ctx context.Context, id string) (*models.ClassSection, error)
}

// TimetableQueryService serves the read side: weekly timetables per class
// section, per teacher and per term. Results are cached per term and
// invalidated wholesale by the scheduler on any mutation in that term.
type TimetableQueryService struct {
	repo     timetableRepository
	sections classSectionLookup
	teachers teacherDirectory
	terms    termDirectory
	cache    *CacheService
	logger   *zap.Logger
}

// NewTimetableQueryService wires the query side.
func NewTimetableQueryService(
	repo timetableRepository,
	sections classSectionLookup,
	teachers teacherDirectory,
	terms termDirectory,
	cache *CacheService,
	logger *zap.Logger,
) *TimetableQueryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimetableQueryService{
		repo:     repo,
		sections: sections,
		teachers: teachers,
		terms:    terms,
		cache:    cache,
		logger:   logger,
	}
}

// ByClass returns the weekly timetable of one class section, ordered by day
// then start time. Combined lessons appear with is_combined set.
func (s *TimetableQueryService) ByClass(ctx context.Context, classSectionID, termID string) ([]models.PeriodView, error) {
	if _, err := s.sections.FindByID(ctx, classSectionID); err != nil {
		return nil, notFoundOr(err, "class section not found", "failed to load class section")
	}
	if err := s.ensureTerm(ctx, termID); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("timetable:%s:class:%s", termID, classSectionID)
	var cached []models.PeriodView
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return cached, nil
	}

	periods, err := s.repo.ListByClass(ctx, classSectionID, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class timetable")
	}
	views := toViews(periods)
	s.store(ctx, cacheKey, views)
	return views, nil
}

// ByTeacher returns a teacher's weekly schedule across all class sections.
func (s *TimetableQueryService) ByTeacher(ctx context.Context, teacherID, termID string) ([]models.PeriodView, error) {
	if _, err := s.teachers.FindByID(ctx, teacherID); err != nil {
		return nil, notFoundOr(err, "teacher not found", "failed to load teacher")
	}
	if err := s.ensureTerm(ctx, termID); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("timetable:%s:teacher:%s", termID, teacherID)
	var cached []models.PeriodView
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return cached, nil
	}

	periods, err := s.repo.ListByTeacher(ctx, teacherID, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher timetable")
	}
	views := toViews(periods)
	s.store(ctx, cacheKey, views)
	return views, nil
}

// ByTerm returns every period of a term, the input for the export grid.
func (s *TimetableQueryService) ByTerm(ctx context.Context, termID string) ([]models.PeriodView, error) {
	if err := s.ensureTerm(ctx, termID); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("timetable:%s:term", termID)
	var cached []models.PeriodView
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return cached, nil
	}

	periods, err := s.repo.ListByTerm(ctx, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term timetable")
	}
	views := toViews(periods)
	s.store(ctx, cacheKey, views)
	return views, nil
}

func (s *TimetableQueryService) ensureTerm(ctx context.Context, termID string) error {
	if _, err := s.terms.FindByID(ctx, termID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	return nil
}

func (s *TimetableQueryService) store(ctx context.Context, key string, views []models.PeriodView) {
	if err := s.cache.Set(ctx, key, views, 0); err != nil {
		s.logger.Debug("timetable cache store failed", zap.String("key", key), zap.Error(err))
	}
}

// toViews annotates and orders periods Monday-first. day_of_week is stored as
// text, so SQL ordering is alphabetical and the calendar order is restored
// here.
func toViews(periods []models.Period) []models.PeriodView {
	views := make([]models.PeriodView, len(periods))
	for i, period := range periods {
		views[i] = models.NewPeriodView(period)
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].DayOfWeek != views[j].DayOfWeek {
			return views[i].DayOfWeek.Order() < views[j].DayOfWeek.Order()
		}
		return views[i].StartMinute < views[j].StartMinute
	})
	return views
}
