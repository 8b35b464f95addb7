package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"lendpool/core/events"
	"lendpool/core/types"
	"lendpool/services/indexer"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 128
)

type eventView struct {
	Sequence    uint64            `json:"sequence,omitempty"`
	Type        string            `json:"type"`
	Attributes  map[string]string `json:"attributes"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	CreatedAt   *time.Time        `json:"createdAt,omitempty"`
}

func newRecordView(rec indexer.EventRecord) eventView {
	attrs := map[string]string{}
	_ = json.Unmarshal([]byte(rec.Attributes), &attrs)
	created := rec.CreatedAt
	return eventView{
		Sequence:    rec.Sequence,
		Type:        rec.Type,
		Attributes:  attrs,
		Fingerprint: rec.Fingerprint,
		CreatedAt:   &created,
	}
}

func newLiveView(evt events.Event) eventView {
	if typed, ok := evt.(*types.Event); ok && typed != nil {
		return eventView{Type: typed.Type, Attributes: typed.Attributes}
	}
	if withEvent, ok := evt.(interface{ Event() *types.Event }); ok {
		if typed := withEvent.Event(); typed != nil {
			return eventView{Type: typed.Type, Attributes: typed.Attributes}
		}
	}
	return eventView{Type: evt.EventType(), Attributes: map[string]string{}}
}

type recoveryView struct {
	FlowID          uint64    `json:"flowId"`
	Kind            string    `json:"kind"`
	Stage           string    `json:"stage"`
	Caller          string    `json:"caller"`
	CollateralAsset string    `json:"collateralAsset"`
	DebtAsset       string    `json:"debtAsset"`
	CollateralLock  uint64    `json:"collateralLock"`
	PositionID      uint64    `json:"positionId,omitempty"`
	Amount          string    `json:"amount"`
	FailureCode     string    `json:"failureCode"`
	Failure         string    `json:"failure"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flowID, err := uintQuery(r, "flowId")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	after, err := uintQuery(r, "after")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeBadRequest(w, errors.New("limit: must be a non-negative integer"))
			return
		}
	}
	records, err := s.index.Events(r.Context(), indexer.Filter{
		Type:          strings.TrimSpace(q.Get("type")),
		Asset:         strings.TrimSpace(q.Get("asset")),
		FlowID:        flowID,
		AfterSequence: after,
		Limit:         limit,
	})
	if err != nil {
		writeLendingError(w, err)
		return
	}
	out := make([]eventView, 0, len(records))
	for _, rec := range records {
		out = append(out, newRecordView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// listRecoveries lists flows whose second leg failed and whose collateral
// has not been released yet.
func (s *server) listRecoveries(w http.ResponseWriter, r *http.Request) {
	flows, err := s.index.PendingRecoveries(r.Context())
	if err != nil {
		writeLendingError(w, err)
		return
	}
	out := make([]recoveryView, 0, len(flows))
	for _, f := range flows {
		out = append(out, recoveryView{
			FlowID:          f.FlowID,
			Kind:            f.Kind,
			Stage:           f.Stage,
			Caller:          f.Caller,
			CollateralAsset: f.CollateralAsset,
			DebtAsset:       f.DebtAsset,
			CollateralLock:  f.CollateralLock,
			PositionID:      f.PositionID,
			Amount:          f.Amount,
			FailureCode:     f.FailureCode,
			Failure:         f.Failure,
			UpdatedAt:       f.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) exportEvents(w http.ResponseWriter, r *http.Request) {
	after, err := uintQuery(r, "after")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if s.exportDir == "" {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("export directory not configured"))
		return
	}
	path, rows, err := s.index.Export(r.Context(), s.exportDir, after)
	if err != nil {
		writeLendingError(w, err)
		return
	}
	s.logger.Info("events exported", "path", path, "rows", rows)
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "rows": rows})
}

// streamEvents pushes committed events over a websocket. With ?after=N and an
// indexer the stream first replays indexed events past sequence N.
func (s *server) streamEvents(w http.ResponseWriter, r *http.Request) {
	after, err := uintQuery(r, "after")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	// Subscribe before the handshake so no event committed after it is missed.
	live, cancel := s.backend.Subscribe(wsBuffer)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())

	if s.index != nil && r.URL.Query().Has("after") {
		backlog, err := s.index.Events(ctx, indexer.Filter{AfterSequence: after})
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "backlog unavailable")
			return
		}
		for _, rec := range backlog {
			if err := writeEvent(ctx, conn, newRecordView(rec)); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-live:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, newLiveView(evt)); err != nil {
				if websocket.CloseStatus(err) == -1 {
					s.logger.Debug("event stream write failed", "error", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, view eventView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
