package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/books_reconcile/middlewares"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/workflow"
)

// multipart framing on top of the file itself
const multipartOverhead = 1 << 20

// Register mounts the reconciliation API under /api. Every route requires a session token.
func Register(r gin.IRouter, engine *workflow.Engine) {
	api := r.Group("/api", middlewares.AuthMiddleware())
	api.POST("/documents", UploadDocumentHandler(engine))
	api.GET("/documents/:id", GetDocumentHandler(engine))
	api.POST("/documents/:id/extract", ExtractDocumentHandler(engine))
	api.POST("/reconciliations", ReconcileHandler(engine))
	api.POST("/mutations", ProposeMutationHandler(engine))
	api.GET("/mutations/:id", GetMutationHandler(engine))
	api.POST("/mutations/:id/confirm", ConfirmMutationHandler(engine))
	api.POST("/mutations/:id/execute", ExecuteMutationHandler(engine))
}

func userId(c *gin.Context) (int, bool) {
	id, ok := middlewares.UserId(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	}
	return id, ok
}

func UploadDocumentHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userId(c)
		if !ok {
			return
		}
		limit := engine.MaxUploadBytes()
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

		fileHeader, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "size_exceeded"})
				return
			}
			badRequest(c, "multipart field \"file\" is required")
			return
		}
		if fileHeader.Size > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{
				Error:   "size_exceeded",
				Message: fmt.Sprintf("%d bytes exceeds %d", fileHeader.Size, limit),
			})
			return
		}
		f, err := fileHeader.Open()
		if err != nil {
			abortWithError(c, "UploadDocumentHandler", err)
			return
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, limit+1))
		if err != nil {
			abortWithError(c, "UploadDocumentHandler", err)
			return
		}

		doc, err := engine.Upload(c.Request.Context(), uid, fileHeader.Filename, data)
		if err != nil {
			abortWithError(c, "UploadDocumentHandler", err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

func GetDocumentHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userId(c)
		if !ok {
			return
		}
		view, err := engine.Document(c.Request.Context(), uid, c.Param("id"))
		if err != nil {
			abortWithError(c, "GetDocumentHandler", err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func ExtractDocumentHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userId(c)
		if !ok {
			return
		}
		result, err := engine.Extract(c.Request.Context(), uid, c.Param("id"))
		if err != nil {
			abortWithError(c, "ExtractDocumentHandler", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type reconcileRequest struct {
	DocumentIds []string `json:"document_ids" binding:"required,min=1,dive,required"`
	Kinds       []string `json:"kinds"`
}

func ReconcileHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reconcileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "document_ids is required")
			return
		}
		kinds := make([]models.RecordKind, 0, len(req.Kinds))
		for _, k := range req.Kinds {
			kind, err := models.ParseRecordKind(k)
			if err != nil {
				badRequest(c, err.Error())
				return
			}
			kinds = append(kinds, kind)
		}
		if len(kinds) == 0 {
			kinds = nil
		}
		session, err := middlewares.PlatformSession(c.Request.Context())
		if err != nil {
			abortWithError(c, "ReconcileHandler", err)
			return
		}
		rep, err := engine.Reconcile(c.Request.Context(), session, req.DocumentIds, kinds)
		if err != nil {
			abortWithError(c, "ReconcileHandler", err)
			return
		}
		c.JSON(http.StatusOK, rep)
	}
}

func ProposeMutationHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userId(c)
		if !ok {
			return
		}
		// numbers stay json.Number so amounts keep their exact decimal text
		var op models.OperationDescriptor
		dec := json.NewDecoder(c.Request.Body)
		dec.UseNumber()
		if err := dec.Decode(&op); err != nil || strings.TrimSpace(string(op.Kind)) == "" {
			badRequest(c, "body must be {\"kind\": ..., \"params\": {...}}")
			return
		}
		confirmation, err := engine.ProposeMutation(c.Request.Context(), uid, op)
		if err != nil {
			abortWithError(c, "ProposeMutationHandler", err)
			return
		}
		c.JSON(http.StatusOK, confirmation)
	}
}

func GetMutationHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userId(c)
		if !ok {
			return
		}
		confirmation, err := engine.GetConfirmation(c.Request.Context(), uid, c.Param("id"))
		if err != nil {
			abortWithError(c, "GetMutationHandler", err)
			return
		}
		c.JSON(http.StatusOK, confirmation)
	}
}

type confirmRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

func ConfirmMutationHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := userId(c)
		if !ok {
			return
		}
		var req confirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "approved must be a boolean")
			return
		}
		confirmation, err := engine.Confirm(c.Request.Context(), uid, c.Param("id"), *req.Approved)
		if err != nil {
			abortWithError(c, "ConfirmMutationHandler", err)
			return
		}
		c.JSON(http.StatusOK, confirmation)
	}
}

func ExecuteMutationHandler(engine *workflow.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := middlewares.PlatformSession(c.Request.Context())
		if err != nil {
			abortWithError(c, "ExecuteMutationHandler", err)
			return
		}
		confirmation, err := engine.Execute(c.Request.Context(), session, c.Param("id"))
		if err != nil {
			abortWithError(c, "ExecuteMutationHandler", err)
			return
		}
		c.JSON(http.StatusOK, confirmation)
	}
}
