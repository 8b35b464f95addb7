package lending

import (
	"encoding/binary"
	"fmt"
	"sort"

	"lendpool/core/state"
)

var (
	poolInfoKey      = []byte("pool/info")
	reserveKey       = []byte("pool/reserve")
	debtNonceKey     = []byte("pool/debt_nonce")
	lockNonceKey     = []byte("pool/lock_nonce")
	positionIndexKey = []byte("pool/positions")
	positionPrefix   = []byte("position/")
	collateralPrefix = []byte("collateral_lock/")
	debtLockPrefix   = []byte("debt_lock/")
)

func idKey(prefix []byte, id uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefix...), id)
}

func idBytes(id uint64) []byte { return binary.BigEndian.AppendUint64(nil, id) }

// store persists a pool through the contract's state manager.
type store struct {
	m *state.Manager
}

func newStore(m *state.Manager) *store { return &store{m: m} }

func (s *store) PoolInfo() (*PoolInfo, error) {
	var info PoolInfo
	ok, err := s.m.KVGet(poolInfoKey, &info)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &info, nil
}

func (s *store) PutPoolInfo(info *PoolInfo) error { return s.m.KVPut(poolInfoKey, info) }

func (s *store) Reserve() (*Reserve, error) {
	var r Reserve
	ok, err := s.m.KVGet(reserveKey, &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (*Reserve)(nil).Clone(), nil
	}
	return r.Clone(), nil
}

func (s *store) PutReserve(r *Reserve) error { return s.m.KVPut(reserveKey, r.Clone()) }

func (s *store) nextID(key []byte) (uint64, error) {
	var next uint64
	if _, err := s.m.KVGet(key, &next); err != nil {
		return 0, err
	}
	if next == 0 {
		next = 1
	}
	if err := s.m.KVPut(key, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *store) InitNonces() error {
	if err := s.m.KVPut(debtNonceKey, uint64(1)); err != nil {
		return err
	}
	return s.m.KVPut(lockNonceKey, uint64(1))
}

func (s *store) NextPositionID() (uint64, error) { return s.nextID(debtNonceKey) }

func (s *store) NextLockID() (uint64, error) { return s.nextID(lockNonceKey) }

func (s *store) GetPosition(id uint64) (*DebtPosition, error) {
	var pos DebtPosition
	ok, err := s.m.KVGet(idKey(positionPrefix, id), &pos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (s *store) PutPosition(pos *DebtPosition) error {
	if pos == nil {
		return fmt.Errorf("lending: nil position")
	}
	if err := s.m.KVPut(idKey(positionPrefix, pos.ID), pos); err != nil {
		return err
	}
	return s.m.KVAppend(positionIndexKey, idBytes(pos.ID))
}

func (s *store) DeletePosition(id uint64) error {
	if err := s.m.KVDelete(idKey(positionPrefix, id)); err != nil {
		return err
	}
	return s.m.KVRemove(positionIndexKey, idBytes(id))
}

func (s *store) PositionIDs() ([]uint64, error) {
	var raw [][]byte
	if err := s.m.KVGetList(positionIndexKey, &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, b := range raw {
		if len(b) != 8 {
			return nil, fmt.Errorf("lending: corrupt position index entry")
		}
		ids = append(ids, binary.BigEndian.Uint64(b))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *store) GetCollateralLock(id uint64) (*CollateralLock, error) {
	var lock CollateralLock
	ok, err := s.m.KVGet(idKey(collateralPrefix, id), &lock)
	if err != nil || !ok {
		return nil, err
	}
	return &lock, nil
}

func (s *store) PutCollateralLock(lock *CollateralLock) error {
	return s.m.KVPut(idKey(collateralPrefix, lock.ID), lock)
}

func (s *store) DeleteCollateralLock(id uint64) error {
	return s.m.KVDelete(idKey(collateralPrefix, id))
}

func (s *store) GetDebtLock(positionID uint64) (*DebtLock, error) {
	var lock DebtLock
	ok, err := s.m.KVGet(idKey(debtLockPrefix, positionID), &lock)
	if err != nil || !ok {
		return nil, err
	}
	return &lock, nil
}

func (s *store) PutDebtLock(lock *DebtLock) error {
	return s.m.KVPut(idKey(debtLockPrefix, lock.PositionID), lock)
}

func (s *store) DeleteDebtLock(positionID uint64) error {
	return s.m.KVDelete(idKey(debtLockPrefix, positionID))
}
