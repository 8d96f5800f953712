package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/pdftext"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/upload"
	"github.com/fyrsmithlabs/pdfrag/pkg/auth"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	defaultMaxUploadBytes = 20 << 20
	multipartOverhead     = 64 << 10

	uploadField = "pdf"
)

// handleStatus answers the root liveness probe.
func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok", Message: "PDF RAG Backend is running"})
}

// handleHealth runs every readiness check.
func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	resp := HealthResponse{Status: "ok", Services: make(map[string]string, len(s.deps.Checks))}
	code := http.StatusOK
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			s.logger.Warn(ctx, "health check failed", zap.String("service", name), zap.Error(err))
			resp.Services[name] = "unavailable"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Services[name] = "ok"
	}
	return c.JSON(code, resp)
}

// handleUpload stores the multipart file field "pdf" and schedules its
// ingestion.
func (s *Server) handleUpload(c echo.Context) error {
	ownerID := auth.OwnerID(c)
	ctx := logging.WithOwnerID(c.Request().Context(), ownerID)

	fh, err := c.FormFile(uploadField)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "a PDF file is required in form field \"pdf\"")
	}

	limit := s.config.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	if fh.Size > limit {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}

	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}
	if len(data) > 0 && !pdftext.IsPDF(data) {
		return echo.NewHTTPError(http.StatusBadRequest, "uploaded file is not a PDF")
	}

	res, err := s.deps.Uploads.Upload(ctx, upload.Request{
		OwnerID:     ownerID,
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Data:        data,
	})
	switch {
	case errors.Is(err, upload.ErrMissingFile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, upload.ErrMissingOwner):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case err != nil:
		return err
	}

	return c.JSON(http.StatusOK, UploadResponse{Message: "uploaded", BatchID: res.BatchID, FileName: res.FileName})
}

// handleChat answers ?message= from the caller's documents.
func (s *Server) handleChat(c echo.Context) error {
	ownerID := auth.OwnerID(c)
	ctx := logging.WithOwnerID(c.Request().Context(), ownerID)
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	answer, err := s.deps.Asks.Ask(ctx, ownerID, c.QueryParam("message"))
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuestion):
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter \"message\" is required")
	case errors.Is(err, retrieval.ErrMissingOwner):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case err != nil:
		return err
	}

	resp := ChatResponse{
		Response:      answer.Response,
		RetrievedInfo: make([]RetrievedInfo, len(answer.Sources)),
		Degraded:      answer.Degraded,
	}
	for i, src := range answer.Sources {
		resp.RetrievedInfo[i] = RetrievedInfo{
			Text:           src.Text,
			SourceFileName: src.SourceFileName,
			PageNumber:     src.PageNumber,
		}
	}
	return c.JSON(http.StatusOK, resp)
}
