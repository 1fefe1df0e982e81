package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudesk/timetable-api/internal/models"
	appErrors "github.com/edudesk/timetable-api/pkg/errors"
)

type mockClassSectionRepo struct {
	sections map[string]*models.ClassSection
	deleted  []string
}

func newMockClassSectionRepo() *mockClassSectionRepo {
	return &mockClassSectionRepo{sections: map[string]*models.ClassSection{}}
}

func (m *mockClassSectionRepo) List(_ context.Context, _ models.ClassSectionFilter) ([]models.ClassSection, int, error) {
	out := make([]models.ClassSection, 0, len(m.sections))
	for _, s := range m.sections {
		out = append(out, *s)
	}
	return out, len(out), nil
}

func (m *mockClassSectionRepo) FindByID(_ context.Context, id string) (*models.ClassSection, error) {
	s, ok := m.sections[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *s
	return &clone, nil
}

func (m *mockClassSectionRepo) Create(_ context.Context, section *models.ClassSection) error {
	if section.ID == "" {
		section.ID = "sec-1"
	}
	clone := *section
	m.sections[section.ID] = &clone
	return nil
}

func (m *mockClassSectionRepo) Update(_ context.Context, section *models.ClassSection) error {
	clone := *section
	m.sections[section.ID] = &clone
	return nil
}

func (m *mockClassSectionRepo) Delete(_ context.Context, id string) error {
	delete(m.sections, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func TestClassSectionServiceCreateAndUpdate(t *testing.T) {
	repo := newMockClassSectionRepo()
	svc := NewClassSectionService(repo, nil, nil)

	created, err := svc.Create(context.Background(), ClassSectionRequest{Name: "7-A", Grade: "7"})
	require.NoError(t, err)
	assert.Equal(t, "7-A", created.Name)

	updated, err := svc.Update(context.Background(), created.ID, ClassSectionRequest{Name: "7-B", Grade: "7"})
	require.NoError(t, err)
	assert.Equal(t, "7-B", updated.Name)

	_, err = svc.Create(context.Background(), ClassSectionRequest{Name: "", Grade: "7"})
	assert.Equal(t, appErrors.ErrValidation.Code, errCode(t, err))

	_, err = svc.Update(context.Background(), "missing", ClassSectionRequest{Name: "8-A", Grade: "8"})
	assert.Equal(t, appErrors.ErrNotFound.Code, errCode(t, err))
}

func TestClassSectionServiceDelete(t *testing.T) {
	repo := newMockClassSectionRepo()
	svc := NewClassSectionService(repo, nil, nil)

	created, err := svc.Create(context.Background(), ClassSectionRequest{Name: "7-A", Grade: "7"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), created.ID))
	assert.Equal(t, []string{created.ID}, repo.deleted)

	err = svc.Delete(context.Background(), created.ID)
	assert.Equal(t, appErrors.ErrNotFound.Code, errCode(t, err))
}
