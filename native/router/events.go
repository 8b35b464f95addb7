package router

import (
	"strconv"

	"lendpool/core/types"
	"lendpool/crypto"
)

const (
	TypeRouteSet      = "router.route_set"
	TypeFlowCompleted = "router.flow_completed"
	TypeLegFailed     = "router.leg_failed"
	TypeFlowRecovered = "router.flow_recovered"
)

// RouteSet is emitted when an asset is mapped onto a pool.
type RouteSet struct {
	Asset string
	Pool  crypto.Address
}

func (RouteSet) EventType() string { return TypeRouteSet }

func (e RouteSet) Event() *types.Event {
	return &types.Event{Type: TypeRouteSet, Attributes: map[string]string{
		"asset": e.Asset,
		"pool":  e.Pool.Encode(crypto.ContractPrefix),
	}}
}

// FlowEvent reports a flow reaching a new stage.
type FlowEvent struct {
	Type string
	Flow *Flow
}

func (e FlowEvent) EventType() string { return e.Type }

func (e FlowEvent) Event() *types.Event {
	f := e.Flow
	attrs := map[string]string{
		"flowId":          strconv.FormatUint(f.ID, 10),
		"kind":            f.Kind.String(),
		"stage":           f.Stage.String(),
		"caller":          f.Caller.String(),
		"collateralAsset": f.CollateralAsset,
		"debtAsset":       f.DebtAsset,
		"collateralLock":  strconv.FormatUint(f.CollateralLock, 10),
		"positionId":      strconv.FormatUint(f.PositionID, 10),
	}
	if f.Amount != nil {
		attrs["amount"] = f.Amount.String()
	}
	if f.FailureCode != "" {
		attrs["failureCode"] = f.FailureCode
		attrs["failure"] = f.FailureMessage
	}
	return &types.Event{Type: e.Type, Attributes: attrs}
}
