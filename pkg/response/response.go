package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-coaching/backend/internal/apperr"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   string        `json:"error,omitempty"`
	Reason  apperr.Reason `json:"reason,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail sends a failure envelope with an explicit status and reason code.
func Fail(c *gin.Context, status int, reason apperr.Reason, msg string) {
	c.JSON(status, Body{Success: false, Error: msg, Reason: reason})
}

// Error maps a classified error to its status, reason code and user-safe message.
func Error(c *gin.Context, err error) {
	Fail(c, apperr.StatusOf(err), apperr.ReasonOf(err), apperr.MessageOf(err))
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	Fail(c, http.StatusBadRequest, apperr.ReasonInvalidInput, err)
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	Fail(c, http.StatusUnauthorized, apperr.ReasonUnauthorized, err)
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	Fail(c, http.StatusForbidden, apperr.ReasonForbidden, err)
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	Fail(c, http.StatusNotFound, apperr.ReasonNotFound, err)
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	Fail(c, http.StatusInternalServerError, apperr.ReasonInternal, err)
}
