package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/rewired-gh/strikewatch/internal/analytics"
	"github.com/rewired-gh/strikewatch/internal/logger"
	"github.com/rewired-gh/strikewatch/internal/models"
	"github.com/rewired-gh/strikewatch/internal/scheduler"
	"github.com/rewired-gh/strikewatch/internal/storage"
)

type loopState struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type levelsResponse struct {
	Source   string                    `json:"source"`
	Snapshot *models.SupportResistance `json:"snapshot"`
}

type chainResponse struct {
	Symbol    string                  `json:"symbol"`
	Expiry    string                  `json:"expiry"`
	Time      time.Time               `json:"time"`
	SpotPrice float64                 `json:"spot_price"`
	Rows      []models.OptionChainRow `json:"rows"`
}

type refreshRequest struct {
	Symbols []string `json:"symbols"`
}

type refreshResponse struct {
	Expiries map[string][]string `json:"expiries"`
	Error    string              `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listLoops(w http.ResponseWriter, _ *http.Request) {
	flags := s.deps.Controls.Snapshot()
	loops := make([]loopState, 0, len(flags))
	for name, active := range flags {
		loops = append(loops, loopState{Name: name, Active: active})
	}
	sort.Slice(loops, func(i, j int) bool { return loops[i].Name < loops[j].Name })
	writeJSON(w, http.StatusOK, loops)
}

func (s *Server) toggleLoop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	active, err := s.deps.Controls.Toggle(r.Context(), name)
	if errors.Is(err, scheduler.ErrUnknownLoop) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		logger.Error("Failed to toggle loop %s: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to toggle loop")
		return
	}
	writeJSON(w, http.StatusOK, loopState{Name: name, Active: active})
}

func (s *Server) levels(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	if s.deps.Snapshots != nil {
		if sr, ok := s.deps.Snapshots.Get(r.Context(), symbol); ok {
			writeJSON(w, http.StatusOK, levelsResponse{Source: "cache", Snapshot: sr})
			return
		}
	}

	sr, err := s.deps.Store.LatestSupportResistance(r.Context(), symbol)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no levels for "+symbol)
		return
	}
	if err != nil {
		logger.Error("Failed to read levels for %s: %v", symbol, err)
		writeError(w, http.StatusInternalServerError, "failed to read levels")
		return
	}
	writeJSON(w, http.StatusOK, levelsResponse{Source: "store", Snapshot: sr})
}

func (s *Server) chain(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	window := 0
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "window must be a non-negative integer")
			return
		}
		window = n
	}

	rows, err := s.deps.Store.LatestOptionChain(r.Context(), symbol)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no option chain for "+symbol)
		return
	}
	if err != nil {
		logger.Error("Failed to read option chain for %s: %v", symbol, err)
		writeError(w, http.StatusInternalServerError, "failed to read option chain")
		return
	}

	first := rows[0]
	writeJSON(w, http.StatusOK, chainResponse{
		Symbol:    symbol,
		Expiry:    first.Expiry,
		Time:      first.Time,
		SpotPrice: first.SpotPrice,
		Rows:      analytics.Window(rows, first.SpotPrice, window),
	})
}

func (s *Server) refreshExpiries(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	requested := req.Symbols
	if len(requested) == 0 {
		requested = s.deps.RefreshSymbols
	}
	symbols := make([]string, 0, len(requested))
	for _, sym := range requested {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(sym)))
	}

	expiries, err := s.deps.Expiries.Refresh(r.Context(), symbols)
	resp := refreshResponse{Expiries: expiries}
	if err != nil {
		logger.Warn("Expiry refresh finished with errors: %v", err)
		resp.Error = err.Error()
		if len(expiries) == 0 {
			writeJSON(w, http.StatusBadGateway, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
