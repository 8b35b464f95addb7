package core

import (
	"math/big"
	"strings"

	"lendpool/core/events"
	"lendpool/core/types"
	"lendpool/native/lending"
	"lendpool/observability"
)

// metricsEmitter turns committed events into flow counters and pool gauges.
type metricsEmitter struct{}

func (metricsEmitter) Emit(evt events.Event) {
	typed, ok := evt.(*types.Event)
	if !ok || typed == nil {
		return
	}
	switch {
	case strings.HasPrefix(typed.Type, "router."):
		if kind, stage := typed.Attr("kind"), typed.Attr("stage"); kind != "" && stage != "" {
			observability.Lending().RecordFlow(kind, stage)
		}
	case strings.HasPrefix(typed.Type, "lending."):
		asset := typed.Attr("asset")
		if asset == "" {
			return
		}
		observability.Lending().RecordPool(asset,
			attrInt(typed, "reserve"),
			attrInt(typed, "totalBorrow"),
			attrInt(typed, "utilisation"),
			lending.Precision)
	}
}

func attrInt(evt *types.Event, key string) *big.Int {
	v, ok := new(big.Int).SetString(evt.Attr(key), 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
