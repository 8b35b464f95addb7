package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendpool/core/events"
	"lendpool/core/state"
	"lendpool/core/types"
	"lendpool/crypto"
	"lendpool/native/tokens"
	"lendpool/observability"
	"lendpool/storage"
)

// Dispatcher executes contract calls one invocation at a time. All writes of an
// invocation go through a journal that is flushed to the database only when
// the top-level call succeeds.
type Dispatcher struct {
	mu        sync.Mutex
	journal   *storage.Journal
	state     *state.Manager
	tokens    *tokens.Ledger
	contracts map[crypto.Address]Contract

	clock    func() time.Time
	now      time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	emitter  events.Emitter
	dmetrics *observability.DispatchMetrics
	lmetrics *observability.LendingMetrics
	maxDepth int

	pending []*types.Event
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithEmitter(emitter events.Emitter) Option {
	return func(d *Dispatcher) {
		if emitter != nil {
			d.emitter = emitter
		}
	}
}

func WithMaxDepth(depth int) Option {
	return func(d *Dispatcher) {
		if depth > 0 {
			d.maxDepth = depth
		}
	}
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics() Option {
	return func(d *Dispatcher) {
		d.dmetrics = observability.Dispatch()
		d.lmetrics = observability.Lending()
	}
}

// New builds a dispatcher over db.
func New(db storage.Database, opts ...Option) *Dispatcher {
	journal := storage.NewJournal(db)
	root := state.NewManager(journal)
	d := &Dispatcher{
		journal:   journal,
		state:     root,
		tokens:    tokens.NewLedger(root),
		contracts: make(map[crypto.Address]Contract),
		clock:     time.Now,
		logger:    slog.Default(),
		tracer:    otel.Tracer("lendpool/dispatch"),
		emitter:   events.NoopEmitter{},
		maxDepth:  DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds contract code to addr without running any endpoint.
func (d *Dispatcher) Register(addr crypto.Address, contract Contract) error {
	if addr.IsZero() {
		return fmt.Errorf("dispatch: cannot register at the zero address")
	}
	if contract == nil {
		return fmt.Errorf("dispatch: nil contract")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.contracts[addr]; ok {
		return fmt.Errorf("%w: %s", ErrContractExists, addr.Encode(crypto.ContractPrefix))
	}
	d.contracts[addr] = contract
	return nil
}

// Deploy registers contract at addr and runs its "init" endpoint. A failing
// init leaves no trace.
func (d *Dispatcher) Deploy(ctx context.Context, deployer, addr crypto.Address, contract Contract, gas uint64, args Args) error {
	if err := d.Register(addr, contract); err != nil {
		return err
	}
	if _, err := d.Invoke(ctx, Call{From: deployer, To: addr, Gas: gas, Function: "init", Args: args}); err != nil {
		d.mu.Lock()
		delete(d.contracts, addr)
		d.mu.Unlock()
		return fmt.Errorf("dispatch: init %s: %w", contract.Kind(), err)
	}
	return nil
}

// Contracts lists registered addresses in byte order.
func (d *Dispatcher) Contracts() []crypto.Address {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]crypto.Address, 0, len(d.contracts))
	for addr := range d.contracts {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// Invoke runs a top-level call. On success every write and event of the call
// tree is committed together; on failure nothing is.
func (d *Dispatcher) Invoke(ctx context.Context, call Call) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = d.clock()
	out, used, err := d.exec(ctx, call, 0)
	if err != nil {
		d.journal.Discard()
		d.pending = nil
		return &Result{GasUsed: used}, err
	}
	if err := d.journal.Commit(); err != nil {
		d.journal.Discard()
		d.pending = nil
		return &Result{GasUsed: used}, fmt.Errorf("dispatch: commit: %w", err)
	}
	committed := d.pending
	d.pending = nil
	for _, evt := range committed {
		d.lmetrics.RecordEvent(evt.Type)
		d.emitter.Emit(evt)
	}
	return &Result{Output: out, GasUsed: used}, nil
}

// Query runs a call and always discards its writes.
func (d *Dispatcher) Query(ctx context.Context, call Call) (Args, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = d.clock()
	out, _, err := d.exec(ctx, call, 0)
	d.journal.Discard()
	d.pending = nil
	return out, err
}

// Balance reads a committed token balance.
func (d *Dispatcher) Balance(addr crypto.Address, token string, nonce uint64) (*big.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokens.Balance(addr, token, nonce)
}

// Attributes reads committed token attributes.
func (d *Dispatcher) Attributes(token string, nonce uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokens.Attributes(token, nonce)
}

// Genesis applies fn directly to the token ledger and commits the result. It
// is used to seed balances before any contract runs.
func (d *Dispatcher) Genesis(fn func(*tokens.Ledger) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := fn(d.tokens); err != nil {
		d.journal.Discard()
		return err
	}
	return d.journal.Commit()
}

func (d *Dispatcher) exec(ctx context.Context, call Call, depth int) (Args, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if depth > d.maxDepth {
		return nil, 0, fmt.Errorf("%w: %d", ErrCallDepthExceeded, depth)
	}
	contract, ok := d.contracts[call.To]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownContract, call.To.Encode(crypto.ContractPrefix))
	}
	kind := contract.Kind()

	spanCtx, span := d.tracer.Start(ctx, kind+"."+call.Function, trace.WithAttributes(
		attribute.String("dispatch.caller", call.From.String()),
		attribute.String("dispatch.contract", call.To.Encode(crypto.ContractPrefix)),
		attribute.Int("dispatch.depth", depth),
		attribute.Int64("dispatch.gas_limit", int64(call.Gas)),
	))
	defer span.End()
	started := time.Now()

	snapshot := d.journal.Snapshot()
	eventMark := len(d.pending)
	c := &Context{
		ctx:      spanCtx,
		d:        d,
		caller:   call.From,
		self:     call.To,
		payment:  call.Payment.clone(),
		gasLimit: call.Gas,
		depth:    depth,
	}

	err := c.UseGas(GasCallBase)
	if err == nil && !call.Payment.IsZero() {
		err = d.tokens.Transfer(call.From, call.To, call.Payment.Token, call.Payment.Nonce, call.Payment.Amount)
	}
	var out Args
	if err == nil {
		out, err = contract.Call(c, call.Function, call.Args)
	}

	d.dmetrics.ObserveCall(kind, call.Function, depth, c.gasUsed, time.Since(started), err)
	span.SetAttributes(attribute.Int64("dispatch.gas_used", int64(c.gasUsed)))
	if err != nil {
		d.journal.RevertToSnapshot(snapshot)
		d.pending = d.pending[:eventMark]
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Debug("contract call failed",
			slog.String("contract", kind),
			slog.String("function", call.Function),
			slog.Int("depth", depth),
			slog.Any("error", err))
		return nil, c.gasUsed, err
	}
	return out, c.gasUsed, nil
}
