package router

import (
	"encoding/binary"
	"fmt"
	"sort"

	"lendpool/core/state"
	"lendpool/crypto"
	nativecommon "lendpool/native/common"
)

var (
	ownerKey      = []byte("router/owner")
	flowNonceKey  = []byte("router/flow_nonce")
	routeIndexKey = []byte("router/assets")
	routePrefix   = []byte("route/")
	flowPrefix    = []byte("flow/")
)

// store keeps the route table and the flow records of a router.
type store struct {
	m *state.Manager
}

func newStore(m *state.Manager) *store { return &store{m: m} }

func routeKey(asset string) []byte {
	return append(append([]byte(nil), routePrefix...), asset...)
}

func flowKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), flowPrefix...), id)
}

func (s *store) Owner() (crypto.Address, bool, error) {
	var owner crypto.Address
	ok, err := s.m.KVGet(ownerKey, &owner)
	return owner, ok, err
}

func (s *store) PutOwner(owner crypto.Address) error { return s.m.KVPut(ownerKey, owner) }

// Route returns the pool of asset. The second result is false when the asset
// has never been mapped.
func (s *store) Route(asset string) (crypto.Address, bool, error) {
	var pool crypto.Address
	ok, err := s.m.KVGet(routeKey(asset), &pool)
	return pool, ok, err
}

// PutRoute maps asset onto pool. A mapped asset is never remapped; the
// rejection is an ErrAssetNotSupported carrying ErrAssetAlreadySupported.
func (s *store) PutRoute(asset string, pool crypto.Address) error {
	_, exists, err := s.Route(asset)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %w: %s", nativecommon.ErrAssetNotSupported, nativecommon.ErrAssetAlreadySupported, asset)
	}
	if err := s.m.KVPut(routeKey(asset), pool); err != nil {
		return err
	}
	return s.m.KVAppend(routeIndexKey, []byte(asset))
}

func (s *store) Routes() ([]Route, error) {
	var assets [][]byte
	if err := s.m.KVGetList(routeIndexKey, &assets); err != nil {
		return nil, err
	}
	out := make([]Route, 0, len(assets))
	for _, raw := range assets {
		pool, _, err := s.Route(string(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, Route{Asset: string(raw), Pool: pool})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *store) NextFlowID() (uint64, error) {
	var next uint64
	if _, err := s.m.KVGet(flowNonceKey, &next); err != nil {
		return 0, err
	}
	if next == 0 {
		next = 1
	}
	if err := s.m.KVPut(flowNonceKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *store) Flow(id uint64) (*Flow, error) {
	var flow Flow
	ok, err := s.m.KVGet(flowKey(id), &flow)
	if err != nil || !ok {
		return nil, err
	}
	return &flow, nil
}

func (s *store) PutFlow(flow *Flow) error { return s.m.KVPut(flowKey(flow.ID), flow) }
