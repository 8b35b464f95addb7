package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	nativecommon "lendpool/native/common"
	"lendpool/native/dispatch"
	"lendpool/native/router"
	"lendpool/services/indexer"
)

const requestLimit = 1 << 20 // 1 MiB

var errorStatus = map[string]int{
	"invalid_amount":          http.StatusBadRequest,
	"invalid_address":         http.StatusBadRequest,
	"invalid_token":           http.StatusBadRequest,
	"invalid_timestamp":       http.StatusBadRequest,
	"invalid_pool_address":    http.StatusBadRequest,
	"asset_not_supported":     http.StatusNotFound,
	"position_not_found":      http.StatusNotFound,
	"asset_already_supported": http.StatusConflict,
	"insufficient_reserve":    http.StatusConflict,
	"flow_not_recoverable":    http.StatusConflict,
	"undercollateralized":     http.StatusUnprocessableEntity,
	"partial_repayment":       http.StatusUnprocessableEntity,
	"unauthorized":            http.StatusForbidden,
	"module_paused":           http.StatusServiceUnavailable,
}

type errorBody struct {
	Error string    `json:"error"`
	Code  string    `json:"code,omitempty"`
	Flow  *flowView `json:"flow,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: message})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

// statusFor maps a lending error onto an HTTP status and its stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, router.ErrUnknownFlow), errors.Is(err, indexer.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, dispatch.ErrOutOfGas):
		return http.StatusBadRequest, "out_of_gas"
	}
	code := nativecommon.Code(err)
	if status, ok := errorStatus[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, code
}

func writeLendingError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func decodeRequest(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not an integer", field, raw)
	}
	return value, nil
}

func uintParam(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an unsigned integer", name, raw)
	}
	return value, nil
}

func uintQuery(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an unsigned integer", name, raw)
	}
	return value, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
