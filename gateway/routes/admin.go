package routes

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"lendpool/crypto"
	"lendpool/native/lending"
)

var errMissingToken = errors.New("token: query parameter required")

type setRouteRequest struct {
	Asset string `json:"asset"`
	Pool  string `json:"pool"`
}

type thresholdRequest struct {
	Asset string `json:"asset"`
	// Value is a decimal such as "1.5".
	Value string `json:"value"`
}

type pauseRequest struct {
	Key    string `json:"key"`
	Paused bool   `json:"paused"`
}

// Admin calls are signed by the operator, which owns the router.
func (s *server) setPoolAddress(w http.ResponseWriter, r *http.Request) {
	var req setRouteRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	pool, err := crypto.DecodeAddress(strings.TrimSpace(req.Pool))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.backend.Router().SetPoolAddress(r.Context(), s.backend.Operator(), req.Asset, pool); err != nil {
		writeLendingError(w, err)
		return
	}
	s.logger.Info("route set", "asset", req.Asset, "pool", req.Pool)
	writeJSON(w, http.StatusOK, routeView{Asset: req.Asset, Pool: pool.Encode(crypto.ContractPrefix)})
}

func (s *server) setHealthFactorThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	value, err := lending.ParseFraction(req.Value)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.backend.Router().SetHealthFactorThreshold(r.Context(), s.backend.Operator(), req.Asset, value); err != nil {
		writeLendingError(w, err)
		return
	}
	s.logger.Info("health factor threshold set", "asset", req.Asset, "value", req.Value)
	writeJSON(w, http.StatusOK, map[string]string{"asset": req.Asset, "value": fraction(value)})
}

func (s *server) listPauses(w http.ResponseWriter, r *http.Request) {
	keys := s.backend.Paused()
	sort.Strings(keys)
	writeJSON(w, http.StatusOK, map[string][]string{"paused": keys})
}

func (s *server) setPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		writeBadRequest(w, errors.New("key: pause key required"))
		return
	}
	s.backend.SetPaused(key, req.Paused)
	s.logger.Warn("pause toggled", "key", key, "paused", req.Paused)
	s.listPauses(w, r)
}
