package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"curio-backend/internal/apperr"
	"curio-backend/internal/auth"
)

// ErrorHandler is the single place errors become HTTP responses. AppErrors
// are operational and logged at warn; anything else is logged with a stack
// trace and hidden behind a generic 500.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		}
		if user := auth.GetUser(c); user != nil {
			fields = append(fields, zap.Int64("user_id", user.ID))
		}

		if appErr, ok := apperr.As(err); ok {
			logger.Warn("request failed", append(fields, zap.Int("status", appErr.Status))...)
			return c.Status(appErr.Status).JSON(apperr.ErrorResponse{Error: appErr})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			logger.Warn("request failed", append(fields, zap.Int("status", fiberErr.Code))...)
			return c.Status(fiberErr.Code).JSON(apperr.ErrorResponse{
				Error: apperr.New(codeForStatus(fiberErr.Code), fiberErr.Code, fiberErr.Message),
			})
		}

		logger.Error("unhandled error", append(fields, zap.Stack("stacktrace"))...)
		return c.Status(fiber.StatusInternalServerError).JSON(apperr.ErrorResponse{
			Error: apperr.New("INTERNAL_ERROR", fiber.StatusInternalServerError, "Internal server error"),
		})
	}
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "BAD_REQUEST"
	case fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	case fiber.StatusForbidden:
		return "FORBIDDEN"
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case fiber.StatusUnprocessableEntity:
		return "UNPROCESSABLE_ENTITY"
	default:
		return "ERROR"
	}
}
