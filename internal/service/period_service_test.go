package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edudesk/timetable-api/internal/models"
	"github.com/edudesk/timetable-api/internal/repository"
	appErrors "github.com/edudesk/timetable-api/pkg/errors"
)

// memPeriodRepo mimics the real repository's locked check-then-insert: under
// its mutex it re-checks overlap against committed periods before inserting,
// so concurrent creates race exactly like they do against PostgreSQL.
type memPeriodRepo struct {
	mu                    sync.Mutex
	periods               map[string]models.Period
	seq                   int
	serializationFailures int
	deleted               []string
}

func newMemPeriodRepo() *memPeriodRepo {
	return &memPeriodRepo{periods: make(map[string]models.Period)}
}

func (m *memPeriodRepo) Create(ctx context.Context, period *models.Period) (*models.PeriodConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serializationFailures > 0 {
		m.serializationFailures--
		return nil, fmt.Errorf("create period: %w", repository.ErrSerialization)
	}

	slot := period.Slot()
	for _, existing := range m.periods {
		if existing.TermID != period.TermID || !existing.Slot().Overlaps(slot) {
			continue
		}
		if existing.TeacherID == period.TeacherID {
			return memConflict(existing, models.DimensionTeacher, ""), nil
		}
	}
	for _, existing := range m.periods {
		if existing.TermID != period.TermID || !existing.Slot().Overlaps(slot) {
			continue
		}
		for _, sectionID := range period.ClassSectionIDs {
			for _, existingSection := range existing.ClassSectionIDs {
				if sectionID == existingSection {
					return memConflict(existing, models.DimensionClass, sectionID), nil
				}
			}
		}
	}

	m.seq++
	if period.ID == "" {
		period.ID = fmt.Sprintf("p%d", m.seq)
	}
	m.periods[period.ID] = *period
	return nil, nil
}

func memConflict(existing models.Period, dimension models.ConflictDimension, sectionID string) *models.PeriodConflict {
	return &models.PeriodConflict{
		PeriodID:       existing.ID,
		TermID:         existing.TermID,
		SubjectID:      existing.SubjectID,
		TeacherID:      existing.TeacherID,
		DayOfWeek:      existing.DayOfWeek,
		Start:          existing.Slot().StartClock(),
		End:            existing.Slot().EndClock(),
		Dimension:      dimension,
		ClassSectionID: sectionID,
	}
}

func (m *memPeriodRepo) FindByID(ctx context.Context, id string) (*models.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if period, ok := m.periods[id]; ok {
		return &period, nil
	}
	return nil, sql.ErrNoRows
}

func (m *memPeriodRepo) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.periods[id]; !ok {
		return false, nil
	}
	delete(m.periods, id)
	m.deleted = append(m.deleted, id)
	return true, nil
}

func (m *memPeriodRepo) List(ctx context.Context, filter models.PeriodFilter) ([]models.Period, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	periods := make([]models.Period, 0, len(m.periods))
	for _, period := range m.periods {
		periods = append(periods, period)
	}
	return periods, len(periods), nil
}

func (m *memPeriodRepo) ListAll(ctx context.Context) ([]models.Period, error) {
	periods, _, err := m.List(ctx, models.PeriodFilter{})
	return periods, err
}

type memSubjects struct {
	subjects map[string]models.Subject
}

func (m *memSubjects) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	if subject, ok := m.subjects[id]; ok {
		return &subject, nil
	}
	return nil, sql.ErrNoRows
}

type memTeachers struct {
	teachers map[string]models.Teacher
}

func (m *memTeachers) FindByID(ctx context.Context, id string) (*models.Teacher, error) {
	if teacher, ok := m.teachers[id]; ok {
		return &teacher, nil
	}
	return nil, sql.ErrNoRows
}

type memSections struct {
	known map[string]bool
}

func (m *memSections) MissingIDs(ctx context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if !m.known[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

type memTerms struct {
	terms map[string]models.Term
}

func (m *memTerms) FindByID(ctx context.Context, id string) (*models.Term, error) {
	if term, ok := m.terms[id]; ok {
		return &term, nil
	}
	return nil, sql.ErrNoRows
}

type schedulerFixture struct {
	svc   *PeriodService
	repo  *memPeriodRepo
	index *ConflictIndex
}

func newSchedulerFixture() *schedulerFixture {
	defaultTeacher := "teach-1"
	repo := newMemPeriodRepo()
	index := NewConflictIndex()
	svc := NewPeriodService(
		repo,
		&memSubjects{subjects: map[string]models.Subject{
			"sub-1": {ID: "sub-1", Name: "Mathematics", DefaultTeacherID: &defaultTeacher},
			"sub-2": {ID: "sub-2", Name: "History"},
		}},
		&memTeachers{teachers: map[string]models.Teacher{
			"teach-1": {ID: "teach-1", FullName: "Teacher One", Active: true},
			"teach-2": {ID: "teach-2", FullName: "Teacher Two", Active: true},
			"teach-3": {ID: "teach-3", FullName: "Teacher Three", Active: false},
		}},
		&memSections{known: map[string]bool{"sec-1": true, "sec-2": true, "sec-3": true}},
		&memTerms{terms: map[string]models.Term{"term-1": {ID: "term-1"}}},
		index,
		nil,
		nil,
		nil,
		zap.NewNop(),
		2,
	)
	return &schedulerFixture{svc: svc, repo: repo, index: index}
}

func validRequest() CreatePeriodRequest {
	return CreatePeriodRequest{
		TermID:          "term-1",
		SubjectID:       "sub-1",
		TeacherID:       "teach-1",
		ClassSectionIDs: []string{"sec-1"},
		DayOfWeek:       "MONDAY",
		Start:           "08:00",
		End:             "09:30",
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	return appErrors.FromError(err).Code
}

func TestPeriodServiceCreate(t *testing.T) {
	f := newSchedulerFixture()

	view, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, "08:00", view.Start)
	assert.Equal(t, "09:30", view.End)
	assert.False(t, view.IsCombined)
	// teacher entry plus one per section
	assert.Equal(t, 2, f.index.Len())
}

func TestPeriodServiceCreateDefaultTeacherFallback(t *testing.T) {
	f := newSchedulerFixture()
	req := validRequest()
	req.TeacherID = ""

	view, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "teach-1", view.TeacherID)
}

func TestPeriodServiceCreateNoTeacherAssigned(t *testing.T) {
	f := newSchedulerFixture()
	req := validRequest()
	req.SubjectID = "sub-2"
	req.TeacherID = ""

	_, err := f.svc.Create(context.Background(), req)
	assert.Equal(t, "NO_TEACHER_ASSIGNED", errCode(t, err))
	assert.Contains(t, err.Error(), "History")
}

func TestPeriodServiceCreateInvalidSlots(t *testing.T) {
	f := newSchedulerFixture()

	cases := []struct {
		name   string
		mutate func(*CreatePeriodRequest)
	}{
		{"unknown day", func(r *CreatePeriodRequest) { r.DayOfWeek = "SOMEDAY" }},
		{"malformed start", func(r *CreatePeriodRequest) { r.Start = "8am" }},
		{"malformed end", func(r *CreatePeriodRequest) { r.End = "25:00" }},
		{"empty range", func(r *CreatePeriodRequest) { r.Start = "09:00"; r.End = "09:00" }},
		{"inverted range", func(r *CreatePeriodRequest) { r.Start = "10:00"; r.End = "09:00" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := f.svc.Create(context.Background(), req)
			assert.Equal(t, "INVALID_SLOT", errCode(t, err))
		})
	}
	assert.Empty(t, f.repo.periods)
}

func TestPeriodServiceCreateUnknownReferences(t *testing.T) {
	f := newSchedulerFixture()

	req := validRequest()
	req.TermID = "term-x"
	_, err := f.svc.Create(context.Background(), req)
	assert.Equal(t, "NOT_FOUND", errCode(t, err))

	req = validRequest()
	req.SubjectID = "sub-x"
	_, err = f.svc.Create(context.Background(), req)
	assert.Equal(t, "NOT_FOUND", errCode(t, err))

	req = validRequest()
	req.TeacherID = "teach-x"
	_, err = f.svc.Create(context.Background(), req)
	assert.Equal(t, "NOT_FOUND", errCode(t, err))

	req = validRequest()
	req.ClassSectionIDs = []string{"sec-1", "sec-x"}
	_, err = f.svc.Create(context.Background(), req)
	assert.Equal(t, "NOT_FOUND", errCode(t, err))
	assert.Contains(t, err.Error(), "sec-x")
}

func TestPeriodServiceCreateInactiveTeacher(t *testing.T) {
	f := newSchedulerFixture()
	req := validRequest()
	req.TeacherID = "teach-3"

	_, err := f.svc.Create(context.Background(), req)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, err))
	assert.Contains(t, err.Error(), "Teacher Three")
}

func TestPeriodServiceCreateTeacherConflict(t *testing.T) {
	f := newSchedulerFixture()
	_, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.ClassSectionIDs = []string{"sec-2"}
	req.Start = "09:00"
	req.End = "10:00"
	_, err = f.svc.Create(context.Background(), req)
	assert.Equal(t, "TEACHER_CONFLICT", errCode(t, err))

	var conflictErr *models.PeriodConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, models.DimensionTeacher, conflictErr.Dimension)
	assert.Equal(t, "08:00", conflictErr.Conflict.Start)
	assert.Len(t, f.repo.periods, 1)
}

func TestPeriodServiceCreateClassConflict(t *testing.T) {
	f := newSchedulerFixture()
	_, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.TeacherID = "teach-2"
	req.Start = "09:00"
	req.End = "10:00"
	_, err = f.svc.Create(context.Background(), req)
	assert.Equal(t, "CLASS_CONFLICT", errCode(t, err))

	var conflictErr *models.PeriodConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "sec-1", conflictErr.Conflict.ClassSectionID)
}

func TestPeriodServiceCreateAdjacentSlots(t *testing.T) {
	f := newSchedulerFixture()
	_, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.Start = "09:30"
	req.End = "10:30"
	_, err = f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, f.repo.periods, 2)
}

func TestPeriodServiceCreateCombinedPeriod(t *testing.T) {
	f := newSchedulerFixture()
	req := validRequest()
	req.ClassSectionIDs = []string{"sec-1", "sec-2"}

	view, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, view.IsCombined)
	// teacher + two section entries
	assert.Equal(t, 3, f.index.Len())

	// each member section stays blocked
	other := validRequest()
	other.TeacherID = "teach-2"
	other.ClassSectionIDs = []string{"sec-2"}
	_, err = f.svc.Create(context.Background(), other)
	assert.Equal(t, "CLASS_CONFLICT", errCode(t, err))
}

func TestPeriodServiceCreateDuplicateSections(t *testing.T) {
	f := newSchedulerFixture()
	req := validRequest()
	req.ClassSectionIDs = []string{"sec-1", "sec-1"}

	_, err := f.svc.Create(context.Background(), req)
	assert.Equal(t, "VALIDATION_ERROR", errCode(t, err))
}

func TestPeriodServiceCreateLostRace(t *testing.T) {
	f := newSchedulerFixture()
	// another instance committed first: present in storage, absent from index
	_, err := f.repo.Create(context.Background(), &models.Period{
		TermID: "term-1", SubjectID: "sub-1", TeacherID: "teach-1",
		DayOfWeek: models.Monday, StartMinute: 480, EndMinute: 570,
		ClassSectionIDs: []string{"sec-1"},
	})
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), validRequest())
	assert.Equal(t, "TEACHER_CONFLICT", errCode(t, err))
	// the losing request must not leave index entries behind
	assert.Equal(t, 0, f.index.Len())
}

func TestPeriodServiceCreateRetriesSerialization(t *testing.T) {
	f := newSchedulerFixture()
	f.repo.serializationFailures = 1

	view, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)
}

func TestPeriodServiceCreateSchedulingUnavailable(t *testing.T) {
	f := newSchedulerFixture()
	f.repo.serializationFailures = 10

	_, err := f.svc.Create(context.Background(), validRequest())
	assert.Equal(t, "SCHEDULING_UNAVAILABLE", errCode(t, err))
	assert.Equal(t, 0, f.index.Len())
}

func TestPeriodServiceDelete(t *testing.T) {
	f := newSchedulerFixture()
	view, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, 2, f.index.Len())

	require.NoError(t, f.svc.Delete(context.Background(), view.ID))
	assert.Empty(t, f.repo.periods)
	assert.Equal(t, 0, f.index.Len())

	// slot is free again
	_, err = f.svc.Create(context.Background(), validRequest())
	assert.NoError(t, err)
}

func TestPeriodServiceDeleteUnknownIsNoop(t *testing.T) {
	f := newSchedulerFixture()
	assert.NoError(t, f.svc.Delete(context.Background(), "missing"))
	assert.Empty(t, f.repo.deleted)
}

func TestPeriodServiceWarmIndex(t *testing.T) {
	f := newSchedulerFixture()
	_, err := f.repo.Create(context.Background(), &models.Period{
		TermID: "term-1", SubjectID: "sub-1", TeacherID: "teach-1",
		DayOfWeek: models.Monday, StartMinute: 480, EndMinute: 570,
		ClassSectionIDs: []string{"sec-1", "sec-2"},
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.WarmIndex(context.Background()))
	assert.Equal(t, 3, f.index.Len())

	_, err = f.svc.Create(context.Background(), validRequest())
	assert.Equal(t, "TEACHER_CONFLICT", errCode(t, err))
}

func TestPeriodServiceConcurrentCreates(t *testing.T) {
	f := newSchedulerFixture()

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), validRequest())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, conflicted int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		code := appErrors.FromError(err).Code
		require.Equal(t, "TEACHER_CONFLICT", code)
		conflicted++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, conflicted)
	assert.Len(t, f.repo.periods, 1)
}
