package remote

import (
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"streaminfer/infer"
)

// Handler serves a RequestGenerator to HTTPGenerator clients.
type Handler struct {
	gen   infer.RequestGenerator
	model string
	log   *zap.SugaredLogger
}

func NewHandler(gen infer.RequestGenerator, model string, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{gen: gen, model: model, log: log}
}

// ServeHTTP routes InfoPath and GeneratePath.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == InfoPath && r.Method == http.MethodGet:
		h.info(w)
	case r.URL.Path == GeneratePath && r.Method == http.MethodPost:
		h.generate(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) info(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Info{Model: h.model, MaxModelLen: h.gen.MaxModelLen()})
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, &EventError{Message: "invalid request body: " + err.Error(), Invalid: true})
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, &EventError{Message: err.Error(), Invalid: true})
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, &EventError{Message: err.Error()})
		return
	}
	err = Forward(r.Context(), h.gen, &req, func(ev GenerateEvent) error {
		if ev.Error != nil {
			h.log.Warnw("generation failed", "request_id", req.RequestID, "error", ev.Error.Message)
		}
		return sse.Send(ev)
	})
	if err != nil {
		h.log.Debugw("client went away", "request_id", req.RequestID, "error", err)
		return
	}
	sse.Done()
}

func writeError(w http.ResponseWriter, status int, e *EventError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(GenerateEvent{Error: e})
}
