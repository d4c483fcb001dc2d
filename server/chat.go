package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"streaminfer/infer"
	"streaminfer/remote"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions. The
// conversation and sampling fields are inlined at the top level.
type ChatCompletionRequest struct {
	Model string `json:"model"`
	infer.InferRequest
	infer.RequestConfig
	Adapter *infer.Adapter `json:"adapter,omitempty"`
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req ChatCompletionRequest
	if err := c.Bind(&req); err != nil {
		return writeBadRequest(c, fmt.Sprintf("invalid request body: %v", err))
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}
	if req.Model != "" && req.Model != s.model {
		return writeError(c, http.StatusNotFound, "not_found_error", fmt.Sprintf("model %q not found", req.Model))
	}

	opts := []infer.InferOption{infer.WithMetrics(s.observers...)}
	if req.Adapter != nil {
		opts = append(opts, infer.WithAdapter(*req.Adapter))
	}
	log := logger(c, s.log)

	if req.Stream {
		return s.streamChatCompletion(c, &req, opts)
	}

	resp, err := s.engine.InferAsync(c.Request().Context(), &req.InferRequest, &req.RequestConfig, opts...)
	if err != nil {
		log.Warnw("chat completion failed", "error", err)
		return writeEngineError(c, err)
	}
	log.Debugw("chat completion", "id", resp.ID, "completion_tokens", resp.Usage.CompletionTokens)
	return c.JSON(http.StatusOK, resp)
}

// streamChatCompletion waits for the first event before committing the
// response so early failures still get a proper status code.
func (s *Server) streamChatCompletion(c echo.Context, req *ChatCompletionRequest, opts []infer.InferOption) error {
	ctx := c.Request().Context()
	log := logger(c, s.log)

	events, err := s.engine.InferStreamAsync(ctx, &req.InferRequest, &req.RequestConfig, opts...)
	if err != nil {
		log.Warnw("chat completion stream rejected", "error", err)
		return writeEngineError(c, err)
	}

	first, ok := <-events
	if ok && first.Err != nil {
		log.Warnw("chat completion stream failed", "error", first.Err)
		return writeEngineError(c, first.Err)
	}

	sse, err := remote.NewSSEWriter(c.Response())
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	if ok {
		if err := sse.Send(first.Response); err != nil {
			return nil
		}
		for ev := range events {
			if ev.Err != nil {
				log.Warnw("chat completion stream failed", "error", ev.Err)
				_ = sse.Send(errorBody(ev.Err))
				break
			}
			if err := sse.Send(ev.Response); err != nil {
				log.Debugw("client went away", "error", err)
				return nil
			}
		}
	}
	_ = sse.Done()
	return nil
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
}

func errorBody(err error) map[string]apiError {
	status, typ := classify(err)
	return map[string]apiError{"error": {Message: err.Error(), Type: typ, Code: status}}
}

// classify maps engine errors onto HTTP statuses.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, infer.ErrInvalidConfig),
		errors.Is(err, infer.ErrPromptTooLong),
		errors.Is(err, infer.ErrAdapterConflict),
		errors.Is(err, infer.ErrNoInputs):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, infer.ErrEngineClosed):
		return http.StatusServiceUnavailable, "server_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeEngineError(c echo.Context, err error) error {
	status, typ := classify(err)
	return writeError(c, status, typ, err.Error())
}

func writeBadRequest(c echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c echo.Context, status int, typ, msg string) error {
	return c.JSON(status, map[string]apiError{"error": {Message: msg, Type: typ}})
}
