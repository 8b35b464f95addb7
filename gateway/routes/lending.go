package routes

import (
	"errors"
	"net/http"

	"lendpool/crypto"
	"lendpool/native/lending"
	"lendpool/native/router"
)

type depositRequest struct {
	From   string `json:"from,omitempty"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	From   string `json:"from,omitempty"`
	Asset  string `json:"asset"`
	Nonce  uint64 `json:"nonce"`
	Amount string `json:"amount"`
}

type unlockRequest struct {
	From       string `json:"from,omitempty"`
	Asset      string `json:"asset"`
	PositionID uint64 `json:"positionId"`
}

type borrowRequest struct {
	From             string `json:"from,omitempty"`
	CollateralAsset  string `json:"collateralAsset"`
	CollateralNonce  uint64 `json:"collateralNonce"`
	CollateralAmount string `json:"collateralAmount"`
	DebtAsset        string `json:"debtAsset"`
	Amount           string `json:"amount"`
}

type repayRequest struct {
	From       string `json:"from,omitempty"`
	Asset      string `json:"asset"`
	PositionID uint64 `json:"positionId"`
	Amount     string `json:"amount"`
}

type releaseRequest struct {
	From string `json:"from,omitempty"`
}

type receiptView struct {
	Token  string `json:"token"`
	Nonce  uint64 `json:"nonce"`
	Amount string `json:"amount"`
}

type flowView struct {
	ID                  uint64 `json:"id"`
	Kind                string `json:"kind"`
	Stage               string `json:"stage"`
	Caller              string `json:"caller"`
	CollateralAsset     string `json:"collateralAsset"`
	DebtAsset           string `json:"debtAsset"`
	Amount              string `json:"amount"`
	CollateralLock      uint64 `json:"collateralLock"`
	CollateralAmount    string `json:"collateralAmount"`
	CollateralTimestamp uint64 `json:"collateralTimestamp"`
	PositionID          uint64 `json:"positionId,omitempty"`
	FailureCode         string `json:"failureCode,omitempty"`
	Failure             string `json:"failure,omitempty"`
	CreatedAt           uint64 `json:"createdAt"`
	UpdatedAt           uint64 `json:"updatedAt"`
}

func newFlowView(f *router.Flow) *flowView {
	if f == nil {
		return nil
	}
	return &flowView{
		ID:                  f.ID,
		Kind:                f.Kind.String(),
		Stage:               f.Stage.String(),
		Caller:              f.Caller.String(),
		CollateralAsset:     f.CollateralAsset,
		DebtAsset:           f.DebtAsset,
		Amount:              amountString(f.Amount),
		CollateralLock:      f.CollateralLock,
		CollateralAmount:    amountString(f.CollateralAmount),
		CollateralTimestamp: f.CollateralTimestamp,
		PositionID:          f.PositionID,
		FailureCode:         f.FailureCode,
		Failure:             f.FailureMessage,
		CreatedAt:           f.CreatedAt,
		UpdatedAt:           f.UpdatedAt,
	}
}

func newReceiptView(r *lending.DepositReceipt) receiptView {
	return receiptView{Token: r.Token, Nonce: r.Nonce, Amount: amountString(r.Amount)}
}

func writeCallerError(w http.ResponseWriter, err error) {
	if errors.Is(err, errForeignAccount) {
		writeJSONError(w, http.StatusForbidden, err)
		return
	}
	writeBadRequest(w, err)
}

// writeFlow answers a borrow, repay or release. A flow whose second leg
// failed was committed, so it is returned alongside the failure.
func writeFlow(w http.ResponseWriter, flow *router.Flow, err error) {
	var legErr *router.LegError
	if errors.As(err, &legErr) && flow != nil {
		status, code := statusFor(legErr.Err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorBody{Error: err.Error(), Code: code, Flow: newFlowView(flow)})
		return
	}
	if err != nil {
		writeLendingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newFlowView(flow))
}

func (s *server) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	from, err := s.caller(r, req.From)
	if err != nil {
		writeCallerError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	receipt, err := s.backend.Router().Deposit(r.Context(), from, req.Asset, amount)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func (s *server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	from, err := s.caller(r, req.From)
	if err != nil {
		writeCallerError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	paid, err := s.backend.Router().Withdraw(r.Context(), from, req.Asset, req.Nonce, amount)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amountString(paid)})
}

func (s *server) lockDebt(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	from, err := s.caller(r, req.From)
	if err != nil {
		writeCallerError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	positionID, err := s.backend.Router().LockDebt(r.Context(), from, req.Asset, req.Nonce, amount)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"positionId": positionID})
}

func (s *server) unlockDebt(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	from, err := s.caller(r, req.From)
	if err != nil {
		writeCallerError(w, err)
		return
	}
	if err := s.backend.Router().UnlockDebt(r.Context(), from, req.Asset, req.PositionID); err != nil {
		writeLendingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"positionId": req.PositionID})
}

func (s *server) borrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	from, err := s.caller(r, req.From)
	if err != nil {
		writeCallerError(w, err)
		return
	}
	collateral, err := parseAmount("collateralAmount", req.CollateralAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	flow, err := s.backend.Router().Borrow(r.Context(), from, req.CollateralAsset, req.CollateralNonce, collateral, req.DebtAsset, amount)
	writeFlow(w, flow, err)
}

func (s *server) repay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	from, err := s.caller(r, req.From)
	if err != nil {
		writeCallerError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	flow, err := s.backend.Router().Repay(r.Context(), from, req.Asset, req.PositionID, amount)
	writeFlow(w, flow, err)
}

func (s *server) releaseCollateral(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req releaseRequest
	if r.ContentLength != 0 {
		if err := decodeRequest(r, &req); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	from, err := s.caller(r, req.From)
	if err != nil {
		writeCallerError(w, err)
		return
	}
	flow, err := s.backend.Router().ReleaseCollateral(r.Context(), from, id)
	writeFlow(w, flow, err)
}

func (s *server) getFlow(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	flow, err := s.backend.Router().Flow(r.Context(), id)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newFlowView(flow))
}

type routeView struct {
	Asset string `json:"asset"`
	Pool  string `json:"pool"`
}

func (s *server) listRoutes(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.Router().Routes(r.Context())
	if err != nil {
		writeLendingError(w, err)
		return
	}
	out := make([]routeView, 0, len(list))
	for _, route := range list {
		out = append(out, routeView{Asset: route.Asset, Pool: route.Pool.Encode(crypto.ContractPrefix)})
	}
	writeJSON(w, http.StatusOK, out)
}
