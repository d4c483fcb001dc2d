package server

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const logKey = "logger"

func newTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Request().Header.Get(echo.HeaderXRequestID)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, reqID)
			c.Set(logKey, log.With("request_id", reqID, "path", c.Path()))

			start := time.Now()
			err := next(c)
			logger(c, log).Infow("end_of_request",
				"status_code", c.Response().Status,
				"duration", time.Since(start).String(),
			)
			return err
		}
	}
}

func newRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Errorw("api panic", "error", err.Error(), "stack", string(stack))
			return writeError(c, http.StatusInternalServerError, "server_error", "internal server error")
		},
	})
}

// logger returns the request scoped logger set by the track middleware.
func logger(c echo.Context, fallback *zap.SugaredLogger) *zap.SugaredLogger {
	if l, ok := c.Get(logKey).(*zap.SugaredLogger); ok {
		return l
	}
	return fallback
}

type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return nil
}
