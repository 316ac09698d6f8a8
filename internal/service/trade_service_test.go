package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundval/fundvald/internal/domain"
)

// memLedger is an in-memory Ledger for tests. SettleTx serializes through the
// ledger mutex, which is stricter than the per-code guarantee but preserves
// the atomicity the service relies on.
type memLedger struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	txns      []domain.Transaction
	nextID    int64
}

func newMemLedger() *memLedger {
	return &memLedger{positions: make(map[string]domain.Position), nextID: 1}
}

func (l *memLedger) Positions() domain.PositionStore       { return (*memPositions)(l) }
func (l *memLedger) Transactions() domain.TransactionStore { return (*memTxns)(l) }

func (l *memLedger) SettleTx(ctx context.Context, code string, fn func(domain.PositionStore, domain.TransactionStore) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Snapshot for rollback on error.
	savedPositions := make(map[string]domain.Position, len(l.positions))
	for k, v := range l.positions {
		savedPositions[k] = v
	}
	savedTxns := append([]domain.Transaction(nil), l.txns...)

	if err := fn((*lockedPositions)(l), (*lockedTxns)(l)); err != nil {
		l.positions = savedPositions
		l.txns = savedTxns
		return err
	}
	return nil
}

// memPositions locks per call; lockedPositions assumes the ledger mutex is
// already held inside SettleTx.
type memPositions memLedger

func (p *memPositions) Get(ctx context.Context, code string) (domain.Position, error) {
	(*memLedger)(p).mu.Lock()
	defer (*memLedger)(p).mu.Unlock()
	return (*lockedPositions)(p).Get(ctx, code)
}

func (p *memPositions) List(ctx context.Context) ([]domain.Position, error) {
	(*memLedger)(p).mu.Lock()
	defer (*memLedger)(p).mu.Unlock()
	return (*lockedPositions)(p).List(ctx)
}

func (p *memPositions) Upsert(ctx context.Context, code string, cost, shares decimal.Decimal) error {
	(*memLedger)(p).mu.Lock()
	defer (*memLedger)(p).mu.Unlock()
	return (*lockedPositions)(p).Upsert(ctx, code, cost, shares)
}

func (p *memPositions) Remove(ctx context.Context, code string) error {
	(*memLedger)(p).mu.Lock()
	defer (*memLedger)(p).mu.Unlock()
	return (*lockedPositions)(p).Remove(ctx, code)
}

type lockedPositions memLedger

func (p *lockedPositions) Get(_ context.Context, code string) (domain.Position, error) {
	pos, ok := p.positions[code]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (p *lockedPositions) List(_ context.Context) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (p *lockedPositions) Upsert(_ context.Context, code string, cost, shares decimal.Decimal) error {
	p.positions[code] = domain.Position{Code: code, Cost: cost, Shares: shares, UpdatedAt: time.Now()}
	return nil
}

func (p *lockedPositions) Remove(_ context.Context, code string) error {
	delete(p.positions, code)
	return nil
}

type memTxns memLedger

func (t *memTxns) Append(ctx context.Context, txn domain.Transaction) (int64, error) {
	(*memLedger)(t).mu.Lock()
	defer (*memLedger)(t).mu.Unlock()
	return (*lockedTxns)(t).Append(ctx, txn)
}

func (t *memTxns) MarkSettled(ctx context.Context, id int64, s domain.Settlement) error {
	(*memLedger)(t).mu.Lock()
	defer (*memLedger)(t).mu.Unlock()
	return (*lockedTxns)(t).MarkSettled(ctx, id, s)
}

func (t *memTxns) ListPending(ctx context.Context) ([]domain.Transaction, error) {
	(*memLedger)(t).mu.Lock()
	defer (*memLedger)(t).mu.Unlock()
	return (*lockedTxns)(t).ListPending(ctx)
}

func (t *memTxns) List(ctx context.Context, code string, limit int) ([]domain.Transaction, error) {
	(*memLedger)(t).mu.Lock()
	defer (*memLedger)(t).mu.Unlock()
	return (*lockedTxns)(t).List(ctx, code, limit)
}

type lockedTxns memLedger

func (t *lockedTxns) Append(_ context.Context, txn domain.Transaction) (int64, error) {
	txn.ID = t.nextID
	t.nextID++
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	t.txns = append(t.txns, txn)
	return txn.ID, nil
}

func (t *lockedTxns) MarkSettled(_ context.Context, id int64, s domain.Settlement) error {
	for i := range t.txns {
		if t.txns[i].ID != id {
			continue
		}
		if t.txns[i].AppliedAt != nil {
			return domain.ErrAlreadySettled
		}
		nav := s.ConfirmNAV
		cost := s.CostAfter
		applied := s.AppliedAt
		t.txns[i].ConfirmNAV = &nav
		t.txns[i].CostAfter = &cost
		t.txns[i].AppliedAt = &applied
		if s.Amount != nil {
			amount := *s.Amount
			t.txns[i].Amount = &amount
		}
		if s.SharesAdded != nil {
			added := *s.SharesAdded
			t.txns[i].SharesAdded = &added
		}
		return nil
	}
	return domain.ErrNotFound
}

func (t *lockedTxns) ListPending(_ context.Context) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, txn := range t.txns {
		if txn.AppliedAt == nil {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (t *lockedTxns) List(_ context.Context, code string, limit int) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for i := len(t.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if code != "" && t.txns[i].Code != code {
			continue
		}
		out = append(out, t.txns[i])
	}
	return out, nil
}

// fakeNAVSource serves fixed NAVs keyed by "code|YYYY-MM-DD". Missing entries
// report ErrNAVUnavailable; err, when set, overrides everything.
type fakeNAVSource struct {
	navs map[string]decimal.Decimal
	err  error
}

func (f *fakeNAVSource) NAVOnDate(_ context.Context, code string, date time.Time) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	nav, ok := f.navs[code+"|"+date.Format("2006-01-02")]
	if !ok {
		return decimal.Zero, domain.ErrNAVUnavailable
	}
	return nav, nil
}

func (f *fakeNAVSource) publish(code, date, nav string) {
	if f.navs == nil {
		f.navs = make(map[string]decimal.Decimal)
	}
	f.navs[code+"|"+date] = decimal.RequireFromString(nav)
}

func newTestService(ledger domain.Ledger, navs domain.NAVSource) *TradeService {
	s := NewTradeService(ledger, navs, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC) }
	return s
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s = %s, want %s", field, got, want)
	}
}

// Friday 2026-08-28 10:00, before cutoff: confirms same day.
var fridayMorning = time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

func TestAddTradeSettlesImmediately(t *testing.T) {
	ledger := newMemLedger()
	navs := &fakeNAVSource{}
	navs.publish("110022", "2026-08-28", "1.2345")
	svc := newTestService(ledger, navs)

	res, err := svc.AddTrade(context.Background(), "110022", decimal.RequireFromString("1000"), fridayMorning)
	if err != nil {
		t.Fatalf("AddTrade: %v", err)
	}
	if res.Pending {
		t.Fatal("expected immediate settlement, got pending")
	}
	requireDecimal(t, "1.2345", res.ConfirmNAV, "ConfirmNAV")
	requireDecimal(t, "810.0446", res.SharesAdded, "SharesAdded")
	requireDecimal(t, "1.2345", res.CostAfter, "CostAfter")
	requireDecimal(t, "810.0446", res.SharesAfter, "SharesAfter")

	pos, err := ledger.Positions().Get(context.Background(), "110022")
	if err != nil {
		t.Fatalf("position not written: %v", err)
	}
	requireDecimal(t, "1.2345", pos.Cost, "position cost")
	requireDecimal(t, "810.0446", pos.Shares, "position shares")

	txns, _ := ledger.Transactions().List(context.Background(), "110022", 10)
	if len(txns) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txns))
	}
	txn := txns[0]
	if !txn.Settled() {
		t.Error("transaction is not settled")
	}
	if (txn.AppliedAt == nil) != (txn.ConfirmNAV == nil) {
		t.Error("applied_at and confirm_nav must be set together")
	}
	if txn.ConfirmDate.Format("2006-01-02") != "2026-08-28" {
		t.Errorf("confirm date = %s, want 2026-08-28", txn.ConfirmDate.Format("2006-01-02"))
	}
}

func TestAddTradeDefersWhenNAVUnpublished(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger, &fakeNAVSource{})

	res, err := svc.AddTrade(context.Background(), "110022", decimal.RequireFromString("1000"), fridayMorning)
	if err != nil {
		t.Fatalf("AddTrade: %v", err)
	}
	if !res.Pending {
		t.Fatal("expected pending result")
	}

	if _, err := ledger.Positions().Get(context.Background(), "110022"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("pending add must not touch the position")
	}
	txns, _ := ledger.Transactions().List(context.Background(), "", 10)
	if len(txns) != 1 || txns[0].Settled() {
		t.Fatalf("want one pending transaction, got %+v", txns)
	}
	if txns[0].ConfirmNAV != nil || txns[0].AppliedAt != nil {
		t.Error("pending transaction must have nil confirm_nav and applied_at")
	}
}

func TestAddTradeNAVLookupFailureLeavesPending(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger, &fakeNAVSource{err: errors.New("connection refused")})

	res, err := svc.AddTrade(context.Background(), "110022", decimal.RequireFromString("500"), fridayMorning)
	if err != nil {
		t.Fatalf("lookup failure must not fail the trade: %v", err)
	}
	if !res.Pending {
		t.Fatal("expected pending result on lookup failure")
	}
}

func TestAddTradeWeightedAverageCost(t *testing.T) {
	ledger := newMemLedger()
	navs := &fakeNAVSource{}
	navs.publish("110022", "2026-08-28", "1.2345")
	navs.publish("110022", "2026-08-31", "1.3")
	svc := newTestService(ledger, navs)
	ctx := context.Background()

	if _, err := svc.AddTrade(ctx, "110022", decimal.RequireFromString("1000"), fridayMorning); err != nil {
		t.Fatalf("first add: %v", err)
	}
	// Monday before cutoff.
	monday := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	res, err := svc.AddTrade(ctx, "110022", decimal.RequireFromString("500"), monday)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}

	requireDecimal(t, "384.6154", res.SharesAdded, "SharesAdded")
	requireDecimal(t, "1194.66", res.SharesAfter, "SharesAfter")
	requireDecimal(t, "1.2556", res.CostAfter, "CostAfter")

	pos, _ := ledger.Positions().Get(ctx, "110022")
	requireDecimal(t, "1.2556", pos.Cost, "position cost")
	requireDecimal(t, "1194.66", pos.Shares, "position shares")
}

func TestAddTradeAfterCutoffConfirmsNextTradingDay(t *testing.T) {
	ledger := newMemLedger()
	navs := &fakeNAVSource{}
	// Friday 15:00 rolls to Monday; only Monday's NAV is published.
	navs.publish("110022", "2026-08-31", "1.25")
	svc := newTestService(ledger, navs)

	fridayAtCutoff := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	res, err := svc.AddTrade(context.Background(), "110022", decimal.RequireFromString("100"), fridayAtCutoff)
	if err != nil {
		t.Fatalf("AddTrade: %v", err)
	}
	if res.Pending {
		t.Fatal("Monday NAV is published, expected settlement")
	}
	if got := res.ConfirmDate.Format("2006-01-02"); got != "2026-08-31" {
		t.Errorf("confirm date = %s, want 2026-08-31", got)
	}
}

func TestAddTradeRejectsNonPositiveAmount(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger, &fakeNAVSource{})

	for _, amount := range []string{"0", "-10"} {
		_, err := svc.AddTrade(context.Background(), "110022", decimal.RequireFromString(amount), fridayMorning)
		if !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("amount %s: got %v, want ErrInvalidAmount", amount, err)
		}
	}
	txns, _ := ledger.Transactions().List(context.Background(), "", 10)
	if len(txns) != 0 {
		t.Errorf("rejected trades must not write rows, got %d", len(txns))
	}
}

func TestReduceTradeValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		seed    func(l *memLedger)
		shares  string
		wantErr error
	}{
		{
			name:    "non-positive shares",
			shares:  "0",
			wantErr: domain.ErrInvalidShares,
		},
		{
			name:    "no holdings",
			shares:  "10",
			wantErr: domain.ErrNoHoldings,
		},
		{
			name: "exceeds holdings",
			seed: func(l *memLedger) {
				l.positions["110022"] = domain.Position{
					Code:   "110022",
					Cost:   decimal.RequireFromString("1.2345"),
					Shares: decimal.RequireFromString("100"),
				}
			},
			shares:  "100.0001",
			wantErr: domain.ErrInsufficientShares,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newMemLedger()
			if tt.seed != nil {
				tt.seed(ledger)
			}
			svc := newTestService(ledger, &fakeNAVSource{})

			_, err := svc.ReduceTrade(ctx, "110022", decimal.RequireFromString(tt.shares), fridayMorning)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			txns, _ := ledger.Transactions().List(ctx, "", 10)
			if len(txns) != 0 {
				t.Errorf("rejected reduce must not write rows, got %d", len(txns))
			}
		})
	}
}

func TestReduceTradeKeepsCostBasis(t *testing.T) {
	ledger := newMemLedger()
	ledger.positions["110022"] = domain.Position{
		Code:   "110022",
		Cost:   decimal.RequireFromString("1.2556"),
		Shares: decimal.RequireFromString("1194.66"),
	}
	navs := &fakeNAVSource{}
	navs.publish("110022", "2026-08-28", "1.31")
	svc := newTestService(ledger, navs)

	res, err := svc.ReduceTrade(context.Background(), "110022", decimal.RequireFromString("500"), fridayMorning)
	if err != nil {
		t.Fatalf("ReduceTrade: %v", err)
	}
	requireDecimal(t, "655.00", res.Amount, "Amount")
	requireDecimal(t, "694.66", res.SharesAfter, "SharesAfter")
	requireDecimal(t, "1.2556", res.CostAfter, "CostAfter")

	pos, _ := ledger.Positions().Get(context.Background(), "110022")
	requireDecimal(t, "1.2556", pos.Cost, "cost must not change on reduce")
}

func TestReduceTradeFullRedemptionRemovesPosition(t *testing.T) {
	ledger := newMemLedger()
	ledger.positions["110022"] = domain.Position{
		Code:   "110022",
		Cost:   decimal.RequireFromString("1.2345"),
		Shares: decimal.RequireFromString("810.0446"),
	}
	navs := &fakeNAVSource{}
	navs.publish("110022", "2026-08-28", "1.2")
	svc := newTestService(ledger, navs)

	res, err := svc.ReduceTrade(context.Background(), "110022", decimal.RequireFromString("810.0446"), fridayMorning)
	if err != nil {
		t.Fatalf("ReduceTrade: %v", err)
	}
	requireDecimal(t, "972.05", res.Amount, "Amount")
	requireDecimal(t, "0", res.SharesAfter, "SharesAfter")
	requireDecimal(t, "0", res.CostAfter, "CostAfter")

	if _, err := ledger.Positions().Get(context.Background(), "110022"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("emptied position must be removed")
	}
}

func TestReduceTradeDefersWhenNAVUnpublished(t *testing.T) {
	ledger := newMemLedger()
	ledger.positions["110022"] = domain.Position{
		Code:   "110022",
		Cost:   decimal.RequireFromString("1.2345"),
		Shares: decimal.RequireFromString("810.0446"),
	}
	svc := newTestService(ledger, &fakeNAVSource{})

	res, err := svc.ReduceTrade(context.Background(), "110022", decimal.RequireFromString("100"), fridayMorning)
	if err != nil {
		t.Fatalf("ReduceTrade: %v", err)
	}
	if !res.Pending {
		t.Fatal("expected pending result")
	}

	pos, _ := ledger.Positions().Get(context.Background(), "110022")
	requireDecimal(t, "810.0446", pos.Shares, "pending reduce must not touch the position")

	txns, _ := ledger.Transactions().List(context.Background(), "", 10)
	if len(txns) != 1 || txns[0].SharesRedeemed == nil {
		t.Fatalf("want one pending reduce with shares_redeemed, got %+v", txns)
	}
	if txns[0].Amount != nil {
		t.Error("pending reduce must not carry an amount before settlement")
	}
}

func TestProcessPendingSettlesInCreationOrder(t *testing.T) {
	ledger := newMemLedger()
	navs := &fakeNAVSource{}
	svc := newTestService(ledger, navs)
	ctx := context.Background()

	// Two adds land while the NAV is unpublished.
	if _, err := svc.AddTrade(ctx, "110022", decimal.RequireFromString("1000"), fridayMorning); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := svc.AddTrade(ctx, "110022", decimal.RequireFromString("500"), fridayMorning); err != nil {
		t.Fatalf("second add: %v", err)
	}

	// NAV publishes; the sweep resolves both, oldest first.
	navs.publish("110022", "2026-08-28", "1.2345")
	settled, err := svc.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if settled != 2 {
		t.Fatalf("settled = %d, want 2", settled)
	}

	pos, err := ledger.Positions().Get(ctx, "110022")
	if err != nil {
		t.Fatalf("position not written: %v", err)
	}
	// 810.0446 + 405.0223 shares, both at 1.2345.
	requireDecimal(t, "1215.0669", pos.Shares, "position shares")
	requireDecimal(t, "1.2345", pos.Cost, "position cost")

	txns, _ := ledger.Transactions().List(ctx, "", 10)
	for _, txn := range txns {
		if !txn.Settled() {
			t.Errorf("transaction %d still pending after sweep", txn.ID)
		}
	}

	// A second sweep with no new NAV data settles nothing.
	settled, err = svc.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("second ProcessPending: %v", err)
	}
	if settled != 0 {
		t.Errorf("second sweep settled = %d, want 0", settled)
	}
}

func TestProcessPendingSkipsUnpublishedNAV(t *testing.T) {
	ledger := newMemLedger()
	navs := &fakeNAVSource{}
	svc := newTestService(ledger, navs)
	ctx := context.Background()

	if _, err := svc.AddTrade(ctx, "110022", decimal.RequireFromString("1000"), fridayMorning); err != nil {
		t.Fatalf("add: %v", err)
	}

	settled, err := svc.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if settled != 0 {
		t.Fatalf("settled = %d, want 0", settled)
	}
	pending, _ := ledger.Transactions().ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("transaction must stay pending, got %d pending", len(pending))
	}
}

func TestProcessPendingLeavesOverdrawnReducePending(t *testing.T) {
	ledger := newMemLedger()
	ledger.positions["110022"] = domain.Position{
		Code:   "110022",
		Cost:   decimal.RequireFromString("1.2345"),
		Shares: decimal.RequireFromString("50"),
	}
	navs := &fakeNAVSource{}
	svc := newTestService(ledger, navs)
	ctx := context.Background()

	// Pending reduce recorded while holdings were larger.
	shares := decimal.RequireFromString("100")
	if _, err := ledger.Transactions().Append(ctx, domain.Transaction{
		Code:           "110022",
		OpType:         domain.OpReduce,
		SharesRedeemed: &shares,
		ConfirmDate:    time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("seed pending reduce: %v", err)
	}

	navs.publish("110022", "2026-08-28", "1.3")
	settled, err := svc.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if settled != 0 {
		t.Fatalf("settled = %d, want 0", settled)
	}

	// Nothing applied, nothing lost.
	pos, _ := ledger.Positions().Get(ctx, "110022")
	requireDecimal(t, "50", pos.Shares, "position shares")
	pending, _ := ledger.Transactions().ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("overdrawn reduce must stay pending, got %d pending", len(pending))
	}
}

// stalePendingLedger serves a fixed pending snapshot, simulating a row that
// another writer settles between the sweep's listing and its apply.
type stalePendingLedger struct {
	*memLedger
	pending []domain.Transaction
}

func (l *stalePendingLedger) Transactions() domain.TransactionStore {
	return stalePendingTxns{TransactionStore: l.memLedger.Transactions(), pending: l.pending}
}

type stalePendingTxns struct {
	domain.TransactionStore
	pending []domain.Transaction
}

func (t stalePendingTxns) ListPending(context.Context) ([]domain.Transaction, error) {
	return t.pending, nil
}

func TestProcessPendingRolledBackWhenSettleRaceLost(t *testing.T) {
	mem := newMemLedger()
	navs := &fakeNAVSource{}
	navs.publish("110022", "2026-08-28", "1.2345")
	ctx := context.Background()

	amount := decimal.RequireFromString("1000")
	id, err := mem.Transactions().Append(ctx, domain.Transaction{
		Code:        "110022",
		OpType:      domain.OpAdd,
		Amount:      &amount,
		ConfirmDate: time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed pending add: %v", err)
	}
	stale, _ := mem.Transactions().ListPending(ctx)
	ledger := &stalePendingLedger{memLedger: mem, pending: stale}
	svc := newTestService(ledger, navs)

	// Another writer settles the row after the snapshot was taken.
	nav := decimal.RequireFromString("1.2345")
	if err := mem.Transactions().MarkSettled(ctx, id, domain.Settlement{
		ConfirmNAV: nav,
		CostAfter:  nav,
		AppliedAt:  time.Now(),
	}); err != nil {
		t.Fatalf("concurrent settle: %v", err)
	}

	settled, err := svc.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if settled != 0 {
		t.Errorf("settled = %d, want 0 (other writer counted it)", settled)
	}
	// The rolled-back apply must not leave a position behind.
	if _, err := ledger.Positions().Get(ctx, "110022"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("losing the settle race must roll back the position write")
	}
}
