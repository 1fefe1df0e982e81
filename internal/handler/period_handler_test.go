package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edudesk/timetable-api/internal/models"
	"github.com/edudesk/timetable-api/internal/service"
	"github.com/edudesk/timetable-api/pkg/response"
)

type schedulerPeriodRepo struct {
	mu      sync.Mutex
	periods map[string]models.Period
}

func (m *schedulerPeriodRepo) Create(ctx context.Context, period *models.Period) (*models.PeriodConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := period.Slot()
	for _, existing := range m.periods {
		if existing.TermID == period.TermID && existing.TeacherID == period.TeacherID && existing.Slot().Overlaps(slot) {
			return &models.PeriodConflict{
				PeriodID:  existing.ID,
				TermID:    existing.TermID,
				TeacherID: existing.TeacherID,
				DayOfWeek: existing.DayOfWeek,
				Start:     existing.Slot().StartClock(),
				End:       existing.Slot().EndClock(),
				Dimension: models.DimensionTeacher,
			}, nil
		}
	}
	if period.ID == "" {
		period.ID = "p1"
	}
	if m.periods == nil {
		m.periods = make(map[string]models.Period)
	}
	m.periods[period.ID] = *period
	return nil, nil
}

func (m *schedulerPeriodRepo) FindByID(ctx context.Context, id string) (*models.Period, error) {
	if period, ok := m.periods[id]; ok {
		return &period, nil
	}
	return nil, sql.ErrNoRows
}

func (m *schedulerPeriodRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, ok := m.periods[id]; !ok {
		return false, nil
	}
	delete(m.periods, id)
	return true, nil
}

func (m *schedulerPeriodRepo) List(ctx context.Context, filter models.PeriodFilter) ([]models.Period, int, error) {
	periods := make([]models.Period, 0, len(m.periods))
	for _, period := range m.periods {
		periods = append(periods, period)
	}
	return periods, len(periods), nil
}

func (m *schedulerPeriodRepo) ListAll(ctx context.Context) ([]models.Period, error) {
	periods, _, err := m.List(ctx, models.PeriodFilter{})
	return periods, err
}

type subjectDir struct{ subjects map[string]models.Subject }

func (m *subjectDir) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	if subject, ok := m.subjects[id]; ok {
		return &subject, nil
	}
	return nil, sql.ErrNoRows
}

type teacherDir struct{ teachers map[string]models.Teacher }

func (m *teacherDir) FindByID(ctx context.Context, id string) (*models.Teacher, error) {
	if teacher, ok := m.teachers[id]; ok {
		return &teacher, nil
	}
	return nil, sql.ErrNoRows
}

type sectionDir struct{ known map[string]bool }

func (m *sectionDir) MissingIDs(ctx context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if !m.known[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

type termDir struct{ terms map[string]models.Term }

func (m *termDir) FindByID(ctx context.Context, id string) (*models.Term, error) {
	if term, ok := m.terms[id]; ok {
		return &term, nil
	}
	return nil, sql.ErrNoRows
}

func newPeriodHandler(repo *schedulerPeriodRepo) *PeriodHandler {
	svc := service.NewPeriodService(
		repo,
		&subjectDir{subjects: map[string]models.Subject{"sub-1": {ID: "sub-1", Name: "Mathematics"}}},
		&teacherDir{teachers: map[string]models.Teacher{"teach-1": {ID: "teach-1", FullName: "Teacher One", Active: true}}},
		&sectionDir{known: map[string]bool{"sec-1": true}},
		&termDir{terms: map[string]models.Term{"term-1": {ID: "term-1"}}},
		service.NewConflictIndex(),
		nil, nil, nil,
		zap.NewNop(),
		1,
	)
	return NewPeriodHandler(svc)
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func createPayload() []byte {
	payload, _ := json.Marshal(service.CreatePeriodRequest{
		TermID:          "term-1",
		SubjectID:       "sub-1",
		TeacherID:       "teach-1",
		ClassSectionIDs: []string{"sec-1"},
		DayOfWeek:       "MONDAY",
		Start:           "08:00",
		End:             "09:30",
	})
	return payload
}

func TestPeriodHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newPeriodHandler(&schedulerPeriodRepo{})

	c, w := newGinContext(http.MethodPost, "/periods", createPayload())
	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	data := envelope.Data.(map[string]interface{})
	assert.Equal(t, "08:00", data["start"])
	assert.Equal(t, false, data["is_combined"])
}

func TestPeriodHandlerCreateConflict(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := &schedulerPeriodRepo{}
	handler := newPeriodHandler(repo)

	c, w := newGinContext(http.MethodPost, "/periods", createPayload())
	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)

	c, w = newGinContext(http.MethodPost, "/periods", createPayload())
	handler.Create(c)
	require.Equal(t, http.StatusConflict, w.Code)

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "TEACHER_CONFLICT", envelope.Error.Code)
	require.NotNil(t, envelope.Meta)
	conflict := envelope.Meta["conflict"].(map[string]interface{})
	assert.Equal(t, "08:00", conflict["start"])
	assert.Equal(t, "TEACHER", conflict["dimension"])
}

func TestPeriodHandlerCreateInvalidPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newPeriodHandler(&schedulerPeriodRepo{})

	c, w := newGinContext(http.MethodPost, "/periods", []byte("{not json"))
	handler.Create(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPeriodHandlerDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := &schedulerPeriodRepo{}
	handler := newPeriodHandler(repo)

	c, w := newGinContext(http.MethodPost, "/periods", createPayload())
	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)

	c, w = newGinContext(http.MethodDelete, "/periods/p1", nil)
	c.Params = gin.Params{{Key: "id", Value: "p1"}}
	handler.Delete(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, repo.periods)

	// idempotent
	c, w = newGinContext(http.MethodDelete, "/periods/p1", nil)
	c.Params = gin.Params{{Key: "id", Value: "p1"}}
	handler.Delete(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)
}
