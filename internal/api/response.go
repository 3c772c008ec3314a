package api

import (
	"encoding/json"
	"net/http"
	"time"

	"deribit-tracker/internal/storage"
)

type item struct {
	ID         int64       `json:"id"`
	Ticker     string      `json:"ticker"`
	Price      json.Number `json:"price"`
	Timestamp  int64       `json:"timestamp"`
	Datetime   string      `json:"datetime"`
	RecordedAt string      `json:"recorded_at"`
}

type listResponse struct {
	Ticker string `json:"ticker"`
	Count  int64  `json:"count"`
	Items  []item `json:"items"`
}

type dateResponse struct {
	Ticker string `json:"ticker"`
	Date   string `json:"date"`
	Count  int    `json:"count"`
	Items  []item `json:"items"`
}

type latestResponse struct {
	Ticker    string      `json:"ticker"`
	Price     json.Number `json:"price"`
	Timestamp int64       `json:"timestamp"`
	Datetime  string      `json:"datetime"`
}

type healthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func toItem(obs storage.Observation, loc *time.Location) item {
	return item{
		ID:         obs.ID,
		Ticker:     obs.Ticker,
		Price:      priceNumber(obs),
		Timestamp:  obs.Timestamp,
		Datetime:   obs.Time().In(loc).Format(time.RFC3339),
		RecordedAt: obs.RecordedAt.In(loc).Format(time.RFC3339),
	}
}

// priceNumber renders the exact decimal as a JSON number.
func priceNumber(obs storage.Observation) json.Number {
	return json.Number(obs.Price.String())
}

func toItems(observations []storage.Observation, loc *time.Location) []item {
	items := make([]item, 0, len(observations))
	for _, obs := range observations {
		items = append(items, toItem(obs, loc))
	}
	return items
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: message})
}
