package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/edudesk/timetable-api/internal/models"
	appErrors "github.com/edudesk/timetable-api/pkg/errors"
)

type classSectionRepository interface {
	List(ctx context.Context, filter models.ClassSectionFilter) ([]models.ClassSection, int, error)
	FindByID(ctx context.Context, id string) (*models.ClassSection, error)
	Create(ctx context.Context, section *models.ClassSection) error
	Update(ctx context.Context, section *models.ClassSection) error
	Delete(ctx context.Context, id string) error
}

// ClassSectionRequest holds payload for creating and updating class sections.
type ClassSectionRequest struct {
	Name  string `json:"name" validate:"required"`
	Grade string `json:"grade" validate:"required"`
}

// ClassSectionService handles class-section roster use-cases.
type ClassSectionService struct {
	repo      classSectionRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewClassSectionService constructs the class section service.
func NewClassSectionService(repo classSectionRepository, validate *validator.Validate, logger *zap.Logger) *ClassSectionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClassSectionService{repo: repo, validator: validate, logger: logger}
}

// List returns class sections and pagination metadata.
func (s *ClassSectionService) List(ctx context.Context, filter models.ClassSectionFilter) ([]models.ClassSection, *models.Pagination, error) {
	sections, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list class sections")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return sections, pagination, nil
}

// Get returns a single class section.
func (s *ClassSectionService) Get(ctx context.Context, id string) (*models.ClassSection, error) {
	section, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "class section not found", "failed to load class section")
	}
	return section, nil
}

// Create registers a new class section.
func (s *ClassSectionService) Create(ctx context.Context, req ClassSectionRequest) (*models.ClassSection, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid class section payload")
	}
	section := &models.ClassSection{Name: req.Name, Grade: req.Grade}
	if err := s.repo.Create(ctx, section); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create class section")
	}
	return section, nil
}

// Update modifies an existing class section.
func (s *ClassSectionService) Update(ctx context.Context, id string, req ClassSectionRequest) (*models.ClassSection, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid class section payload")
	}
	section, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "class section not found", "failed to load class section")
	}
	section.Name = req.Name
	section.Grade = req.Grade
	if err := s.repo.Update(ctx, section); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update class section")
	}
	return section, nil
}

// Delete removes a class section that has no scheduled periods.
func (s *ClassSectionService) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		return notFoundOr(err, "class section not found", "failed to load class section")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete class section")
	}
	return nil
}
