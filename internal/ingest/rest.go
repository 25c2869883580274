package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"wiguard/internal/model"
)

// RESTHandler accepts webhook pushes on POST /ingest/{domain}.
type RESTHandler struct {
	target Target
	logger *slog.Logger
}

func NewRESTHandler(target Target, logger *slog.Logger) *RESTHandler {
	return &RESTHandler{target: target, logger: logger}
}

func (h *RESTHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	domain := model.Domain(r.PathValue("domain"))
	if !domain.Valid() {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	events, err := DecodePayload(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	u, err := h.target.Ingest(r.Context(), domain, "rest", events)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrUnknownDomain) {
			status = http.StatusNotFound
		}
		if h.logger != nil {
			h.logger.Warn("rest ingest error", "domain", string(domain), "err", err)
		}
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": len(events),
		"inserted": u.Inserted,
		"updated":  u.Updated,
	})
}
