package routes

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lendpool/crypto"
	"lendpool/native/lending"
)

type paramsView struct {
	RBase                 string `json:"rBase"`
	RSlope1               string `json:"rSlope1"`
	RSlope2               string `json:"rSlope2"`
	UOptimal              string `json:"uOptimal"`
	ReserveFactor         string `json:"reserveFactor"`
	LiquidationThreshold  string `json:"liquidationThreshold"`
	HealthFactorThreshold string `json:"healthFactorThreshold"`
}

type poolView struct {
	Asset       string     `json:"asset"`
	Address     string     `json:"address"`
	Owner       string     `json:"owner"`
	LendToken   string     `json:"lendToken"`
	BorrowToken string     `json:"borrowToken"`
	Params      paramsView `json:"params"`
	Reserve     string     `json:"reserve"`
	TotalBorrow string     `json:"totalBorrow"`
	Utilisation string     `json:"utilisation"`
	BorrowRate  string     `json:"borrowRate"`
	DepositRate string     `json:"depositRate"`
}

type positionView struct {
	ID                   uint64 `json:"id"`
	Owner                string `json:"owner"`
	PrincipalAndInterest string `json:"principalAndInterest"`
	OpenedAt             uint64 `json:"openedAt"`
	AccruedAt            uint64 `json:"accruedAt"`
	CollateralAsset      string `json:"collateralAsset"`
	CollateralAmount     string `json:"collateralAmount"`
	CollateralTimestamp  uint64 `json:"collateralTimestamp"`
	CollateralLock       uint64 `json:"collateralLock"`
	ReceiptNonce         uint64 `json:"receiptNonce"`
	Interest             string `json:"interest,omitempty"`
	Size                 string `json:"size,omitempty"`
	HealthFactor         string `json:"healthFactor,omitempty"`
}

func fraction(v *big.Int) string { return lending.FormatFraction(v) }

func newPositionView(p *lending.DebtPosition) positionView {
	return positionView{
		ID:                   p.ID,
		Owner:                p.Owner.String(),
		PrincipalAndInterest: amountString(p.PrincipalAndInterest),
		OpenedAt:             p.OpenedAt,
		AccruedAt:            p.AccruedAt,
		CollateralAsset:      p.Collateral.Identifier,
		CollateralAmount:     amountString(p.Collateral.Amount),
		CollateralTimestamp:  p.Collateral.Timestamp,
		CollateralLock:       p.Collateral.Lock,
		ReceiptNonce:         p.ReceiptNonce,
	}
}

func (s *server) pool(w http.ResponseWriter, r *http.Request) (*lending.Client, bool) {
	client, err := s.backend.Pool(r.Context(), chi.URLParam(r, "asset"))
	if err != nil {
		writeLendingError(w, err)
		return nil, false
	}
	return client, true
}

func (s *server) getPool(w http.ResponseWriter, r *http.Request) {
	client, ok := s.pool(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	info, err := client.Info(ctx)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	reserve, err := client.Reserve(ctx)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	view := poolView{
		Asset:       info.Asset,
		Address:     client.Address().Encode(crypto.ContractPrefix),
		Owner:       info.Owner.Encode(crypto.ContractPrefix),
		LendToken:   info.LendToken,
		BorrowToken: info.BorrowToken,
		Params: paramsView{
			RBase:                 fraction(info.Params.RBase),
			RSlope1:               fraction(info.Params.RSlope1),
			RSlope2:               fraction(info.Params.RSlope2),
			UOptimal:              fraction(info.Params.UOptimal),
			ReserveFactor:         fraction(info.Params.ReserveFactor),
			LiquidationThreshold:  fraction(info.Params.LiquidationThreshold),
			HealthFactorThreshold: fraction(info.Params.HealthFactorThreshold),
		},
		Reserve:     amountString(reserve.ReserveAmount),
		TotalBorrow: amountString(reserve.TotalBorrow),
	}
	for _, rate := range []struct {
		dst *string
		get func() (*big.Int, error)
	}{
		{&view.Utilisation, func() (*big.Int, error) { return client.Utilisation(ctx) }},
		{&view.BorrowRate, func() (*big.Int, error) { return client.BorrowRate(ctx) }},
		{&view.DepositRate, func() (*big.Int, error) { return client.DepositRate(ctx) }},
	} {
		v, err := rate.get()
		if err != nil {
			writeLendingError(w, err)
			return
		}
		*rate.dst = fraction(v)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) listPositions(w http.ResponseWriter, r *http.Request) {
	client, ok := s.pool(w, r)
	if !ok {
		return
	}
	positions, err := client.Positions(r.Context())
	if err != nil {
		writeLendingError(w, err)
		return
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		if owner != "" && p.Owner.String() != owner {
			continue
		}
		out = append(out, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// getPosition returns the stored position with its live interest, size and
// health factor.
func (s *server) getPosition(w http.ResponseWriter, r *http.Request) {
	client, ok := s.pool(w, r)
	if !ok {
		return
	}
	id, err := uintParam(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx := r.Context()
	position, err := client.Position(ctx, id)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	view := newPositionView(position)
	interest, err := client.PositionInterest(ctx, id)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	size, err := client.PositionSize(ctx, id)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	health, err := client.HealthFactor(ctx, id)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	view.Interest = interest.String()
	view.Size = size.String()
	view.HealthFactor = fraction(health)
	writeJSON(w, http.StatusOK, view)
}

// debtInterest quotes the interest owed on amount borrowed at timestamp.
func (s *server) debtInterest(w http.ResponseWriter, r *http.Request) {
	client, ok := s.pool(w, r)
	if !ok {
		return
	}
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	timestamp, err := uintQuery(r, "timestamp")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	interest, err := client.DebtInterest(r.Context(), amount, timestamp)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"interest": interest.String()})
}

func (s *server) getBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeBadRequest(w, errMissingToken)
		return
	}
	nonce, err := uintQuery(r, "nonce")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	balance, err := s.backend.Balance(addr, token, nonce)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "nonce": nonce, "balance": balance.String()})
}
