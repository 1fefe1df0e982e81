package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edudesk/timetable-api/internal/service"
	appErrors "github.com/edudesk/timetable-api/pkg/errors"
	"github.com/edudesk/timetable-api/pkg/response"
)

// TimetableHandler exposes the read-side timetable views.
type TimetableHandler struct {
	timetables *service.TimetableQueryService
}

// NewTimetableHandler constructs TimetableHandler.
func NewTimetableHandler(timetables *service.TimetableQueryService) *TimetableHandler {
	return &TimetableHandler{timetables: timetables}
}

// ByClass godoc
// @Summary Weekly timetable of a class section
// @Tags Timetables
// @Produce json
// @Param id path string true "Class section ID"
// @Param termId query string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /class-sections/{id}/timetable [get]
func (h *TimetableHandler) ByClass(c *gin.Context) {
	termID := c.Query("termId")
	if termID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "termId is required"))
		return
	}
	views, err := h.timetables.ByClass(c.Request.Context(), c.Param("id"), termID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, nil)
}

// ByTeacher godoc
// @Summary Weekly schedule of a teacher
// @Tags Timetables
// @Produce json
// @Param id path string true "Teacher ID"
// @Param termId query string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /teachers/{id}/timetable [get]
func (h *TimetableHandler) ByTeacher(c *gin.Context) {
	termID := c.Query("termId")
	if termID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "termId is required"))
		return
	}
	views, err := h.timetables.ByTeacher(c.Request.Context(), c.Param("id"), termID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, nil)
}

// ByTerm godoc
// @Summary All periods of a term
// @Tags Timetables
// @Produce json
// @Param id path string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /terms/{id}/timetable [get]
func (h *TimetableHandler) ByTerm(c *gin.Context) {
	views, err := h.timetables.ByTerm(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, nil)
}
