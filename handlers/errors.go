package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/decoder"
	"github.com/mmdatafocus/books_reconcile/middlewares"
	"github.com/mmdatafocus/books_reconcile/mutationgate"
	"github.com/mmdatafocus/books_reconcile/utils"
	"github.com/mmdatafocus/books_reconcile/workflow"
)

type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// statusFor maps a domain error to its HTTP status and stable error code.
func statusFor(err error) (int, string) {
	var de *decoder.DecodeError
	switch {
	case errors.Is(err, decoder.ErrSizeExceeded):
		return http.StatusRequestEntityTooLarge, "size_exceeded"
	case errors.Is(err, decoder.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "unsupported_format"
	case errors.As(err, &de):
		return http.StatusUnprocessableEntity, de.Code()
	case errors.Is(err, workflow.ErrDocumentNotFound):
		return http.StatusNotFound, "document_not_found"
	case errors.Is(err, workflow.ErrDocumentBusy):
		return http.StatusConflict, "document_busy"
	case errors.Is(err, mutationgate.ErrConfirmationNotFound):
		return http.StatusNotFound, "confirmation_not_found"
	case errors.Is(err, mutationgate.ErrConfirmationExpired):
		return http.StatusGone, "confirmation_expired"
	case errors.Is(err, mutationgate.ErrConfirmationAlreadyResolved):
		return http.StatusConflict, "confirmation_already_resolved"
	case errors.Is(err, mutationgate.ErrConfirmationNotConfirmed):
		return http.StatusConflict, "confirmation_not_confirmed"
	case errors.Is(err, mutationgate.ErrInvalidOperation):
		return http.StatusBadRequest, "invalid_operation"
	case errors.Is(err, mutationgate.ErrExternalMutationTimeout):
		return http.StatusGatewayTimeout, "external_mutation_timeout"
	case errors.Is(err, mutationgate.ErrExternalMutationFailed):
		return http.StatusBadGateway, "external_mutation_failed"
	case errors.Is(err, middlewares.ErrPlatformSessionMissing):
		return http.StatusBadRequest, "platform_session_missing"
	case errors.Is(err, utils.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, utils.ErrLockNotObtained):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}

func abortWithError(c *gin.Context, funcName string, err error) {
	status, code := statusFor(err)
	resp := errorResponse{Error: code, Message: err.Error()}
	var invalid *mutationgate.InvalidOperationError
	if errors.As(err, &invalid) {
		resp.Fields = invalid.Fields
	}
	if status >= http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "handlers", funcName, c.FullPath(), code, err)
		if status == http.StatusInternalServerError {
			resp.Message = ""
		}
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: message})
}
