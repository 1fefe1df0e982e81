package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/edudesk/timetable-api/internal/models"
	"github.com/edudesk/timetable-api/internal/service"
	appErrors "github.com/edudesk/timetable-api/pkg/errors"
	"github.com/edudesk/timetable-api/pkg/response"
)

// ClassSectionHandler exposes class-section roster endpoints.
type ClassSectionHandler struct {
	sections *service.ClassSectionService
}

// NewClassSectionHandler constructs ClassSectionHandler.
func NewClassSectionHandler(sections *service.ClassSectionService) *ClassSectionHandler {
	return &ClassSectionHandler{sections: sections}
}

// List godoc
// @Summary List class sections
// @Tags ClassSections
// @Produce json
// @Param grade query string false "Filter by grade"
// @Param search query string false "Search by name"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /class-sections [get]
func (h *ClassSectionHandler) List(c *gin.Context) {
	var filter models.ClassSectionFilter
	filter.Grade = c.Query("grade")
	filter.Search = strings.TrimSpace(c.Query("search"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	sections, pagination, err := h.sections.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sections, pagination)
}

// Get godoc
// @Summary Get class section
// @Tags ClassSections
// @Produce json
// @Param id path string true "Class section ID"
// @Success 200 {object} response.Envelope
// @Router /class-sections/{id} [get]
func (h *ClassSectionHandler) Get(c *gin.Context) {
	section, err := h.sections.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, section, nil)
}

// Create godoc
// @Summary Create class section
// @Tags ClassSections
// @Accept json
// @Produce json
// @Param payload body service.ClassSectionRequest true "Class section payload"
// @Success 201 {object} response.Envelope
// @Router /class-sections [post]
func (h *ClassSectionHandler) Create(c *gin.Context) {
	var req service.ClassSectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	section, err := h.sections.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, section)
}

// Update godoc
// @Summary Update class section
// @Tags ClassSections
// @Accept json
// @Produce json
// @Param id path string true "Class section ID"
// @Param payload body service.ClassSectionRequest true "Class section payload"
// @Success 200 {object} response.Envelope
// @Router /class-sections/{id} [put]
func (h *ClassSectionHandler) Update(c *gin.Context) {
	var req service.ClassSectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	section, err := h.sections.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, section, nil)
}

// Delete godoc
// @Summary Delete class section
// @Tags ClassSections
// @Produce json
// @Param id path string true "Class section ID"
// @Success 204
// @Router /class-sections/{id} [delete]
func (h *ClassSectionHandler) Delete(c *gin.Context) {
	if err := h.sections.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
