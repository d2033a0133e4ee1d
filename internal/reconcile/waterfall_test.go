package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

type stubGaps map[int64]decimal.Decimal

func (g stubGaps) Gap(_ context.Context, q PeriodQuery) (decimal.Decimal, error) {
	return g[q.PaymentMethodID], nil
}

type failingGaps struct{ err error }

func (g failingGaps) Gap(context.Context, PeriodQuery) (decimal.Decimal, error) {
	return decimal.Zero, g.err
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func groupDeposit(net string, methods ...int64) model.Deposit {
	return model.Deposit{
		ID:              1,
		PaymentMethodID: methods[0],
		StartDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		NetAmount:       dec(net),
		MethodGroup:     methods,
		Status:          model.DepositStatusPending,
	}
}

type wantStep struct {
	available, covered, uncovered, remaining string
}

func TestAllocate_Scenarios(t *testing.T) {
	const x, y int64 = 1, 2

	tests := []struct {
		name      string
		deposit   model.Deposit
		gaps      stubGaps
		want      []wantStep
		covered   string
		uncovered string
		remaining string
	}{
		{
			name:    "funds spill over to second method",
			deposit: groupDeposit("1000", x, y),
			gaps:    stubGaps{x: dec("600"), y: dec("800")},
			want: []wantStep{
				{available: "600", covered: "600", uncovered: "0", remaining: "400"},
				{available: "800", covered: "400", uncovered: "400", remaining: "0"},
			},
			covered:   "1000",
			uncovered: "400",
			remaining: "0",
		},
		{
			name:    "gap larger than deposit",
			deposit: groupDeposit("1000", x),
			gaps:    stubGaps{x: dec("1500")},
			want: []wantStep{
				{available: "1500", covered: "1000", uncovered: "500", remaining: "0"},
			},
			covered:   "1000",
			uncovered: "500",
			remaining: "0",
		},
		{
			name:    "zero deposit covers nothing",
			deposit: groupDeposit("0", x, y),
			gaps:    stubGaps{x: dec("600"), y: dec("800")},
			want: []wantStep{
				{available: "600", covered: "0", uncovered: "600", remaining: "0"},
				{available: "800", covered: "0", uncovered: "800", remaining: "0"},
			},
			covered:   "0",
			uncovered: "1400",
			remaining: "0",
		},
		{
			name:    "leftover funds reported as remaining",
			deposit: groupDeposit("1000", x, y),
			gaps:    stubGaps{x: dec("100"), y: dec("250.25")},
			want: []wantStep{
				{available: "100", covered: "100", uncovered: "0", remaining: "900"},
				{available: "250.25", covered: "250.25", uncovered: "0", remaining: "649.75"},
			},
			covered:   "350.25",
			uncovered: "0",
			remaining: "649.75",
		},
		{
			name:    "zero gap method is skipped",
			deposit: groupDeposit("300", x, y),
			gaps:    stubGaps{y: dec("500")},
			want: []wantStep{
				{available: "0", covered: "0", uncovered: "0", remaining: "300"},
				{available: "500", covered: "300", uncovered: "200", remaining: "0"},
			},
			covered:   "300",
			uncovered: "200",
			remaining: "0",
		},
		{
			name:    "duplicate method sees its own in-plan consumption",
			deposit: groupDeposit("1000", x, x),
			gaps:    stubGaps{x: dec("600")},
			want: []wantStep{
				{available: "600", covered: "600", uncovered: "0", remaining: "400"},
				{available: "0", covered: "0", uncovered: "0", remaining: "400"},
			},
			covered:   "600",
			uncovered: "0",
			remaining: "400",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewAllocator(tt.gaps).Allocate(context.Background(), tt.deposit)
			require.NoError(t, err)
			require.Len(t, plan.PerMethod, len(tt.want))

			for i, w := range tt.want {
				step := plan.PerMethod[i]
				assert.True(t, dec(w.available).Equal(step.GapAvailable), "step %d available = %s", i, step.GapAvailable)
				assert.True(t, dec(w.covered).Equal(step.GapCovered), "step %d covered = %s", i, step.GapCovered)
				assert.True(t, dec(w.uncovered).Equal(step.GapUncovered), "step %d uncovered = %s", i, step.GapUncovered)
				assert.True(t, dec(w.remaining).Equal(step.RemainingAfter), "step %d remaining = %s", i, step.RemainingAfter)
			}

			assert.True(t, dec(tt.covered).Equal(plan.TotalGapCovered), "covered = %s", plan.TotalGapCovered)
			assert.True(t, dec(tt.uncovered).Equal(plan.TotalGapUncovered), "uncovered = %s", plan.TotalGapUncovered)
			assert.True(t, dec(tt.remaining).Equal(plan.TotalRemaining), "remaining = %s", plan.TotalRemaining)
		})
	}
}

func TestAllocate_Invariants(t *testing.T) {
	gapSets := []stubGaps{
		{1: dec("0"), 2: dec("0"), 3: dec("0")},
		{1: dec("10.10"), 2: dec("20.20"), 3: dec("30.30")},
		{1: dec("999.99"), 2: dec("0.01"), 3: dec("5000")},
	}
	nets := []string{"0", "0.01", "33.33", "60.60", "1000", "123456.78"}

	for _, gaps := range gapSets {
		for _, net := range nets {
			plan, err := NewAllocator(gaps).Allocate(context.Background(), groupDeposit(net, 1, 2, 3))
			require.NoError(t, err)

			for _, step := range plan.PerMethod {
				assert.False(t, step.GapCovered.IsNegative())
				assert.False(t, step.GapUncovered.IsNegative())
				assert.False(t, step.RemainingAfter.IsNegative())
				assert.True(t, step.GapCovered.LessThanOrEqual(step.GapAvailable))
				if step.GapAvailable.IsZero() {
					assert.True(t, step.GapCovered.IsZero())
				}
			}

			total := plan.TotalGapCovered.Add(plan.TotalRemaining)
			assert.True(t, dec(net).Equal(total), "net %s: covered + remaining = %s", net, total)
		}
	}
}

func TestAllocate_OrderSensitivity(t *testing.T) {
	gaps := stubGaps{1: dec("500"), 2: dec("500")}

	forward, err := NewAllocator(gaps).Allocate(context.Background(), groupDeposit("300", 1, 2))
	require.NoError(t, err)
	backward, err := NewAllocator(gaps).Allocate(context.Background(), groupDeposit("300", 2, 1))
	require.NoError(t, err)

	assert.True(t, dec("300").Equal(forward.PerMethod[0].GapCovered))
	assert.Equal(t, int64(1), forward.PerMethod[0].PaymentMethodID)
	assert.True(t, dec("300").Equal(backward.PerMethod[0].GapCovered))
	assert.Equal(t, int64(2), backward.PerMethod[0].PaymentMethodID)
	assert.True(t, forward.TotalGapCovered.Equal(backward.TotalGapCovered))
}

func TestAllocate_EmptyGroupFallsBackToOwnMethod(t *testing.T) {
	d := groupDeposit("50", 7)
	d.MethodGroup = nil

	plan, err := NewAllocator(stubGaps{7: dec("80")}).Allocate(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, plan.PerMethod, 1)
	assert.Equal(t, int64(7), plan.PerMethod[0].PaymentMethodID)
	assert.True(t, dec("50").Equal(plan.TotalGapCovered))
}

func TestAllocate_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Deposit)
		field  string
	}{
		{name: "negative net", mutate: func(d *model.Deposit) { d.NetAmount = dec("-1") }, field: "net_amount"},
		{name: "reversed range", mutate: func(d *model.Deposit) { d.StartDate, d.EndDate = d.EndDate, d.StartDate }, field: "end_date"},
		{name: "missing start", mutate: func(d *model.Deposit) { d.StartDate = time.Time{} }, field: "start_date"},
		{name: "zero method in group", mutate: func(d *model.Deposit) { d.MethodGroup = []int64{1, 0} }, field: "method_group"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := groupDeposit("100", 1)
			tt.mutate(&d)

			_, err := NewAllocator(failingGaps{err: errors.New("ledger must not be read")}).Allocate(context.Background(), d)
			require.ErrorIs(t, err, model.ErrInvalidInput)

			var inputErr *model.InputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tt.field, inputErr.Field)
		})
	}
}

func TestAllocate_StoreError(t *testing.T) {
	storeErr := errors.New("connection refused")

	_, err := NewAllocator(failingGaps{err: storeErr}).Allocate(context.Background(), groupDeposit("100", 1))
	require.ErrorIs(t, err, storeErr)
}

func TestRows_MergesDuplicatesAndSkipsZero(t *testing.T) {
	d := groupDeposit("1000", 1, 2, 1)
	plan := model.AllocationPlan{
		DepositID: 1,
		PerMethod: []model.MethodAllocation{
			{PaymentMethodID: 1, GapCovered: dec("300")},
			{PaymentMethodID: 2, GapCovered: dec("0")},
			{PaymentMethodID: 1, GapCovered: dec("200")},
		},
	}

	rows := Rows(d, plan)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].PaymentMethodID)
	assert.True(t, dec("500").Equal(rows[0].AllocatedAmount))
	assert.Equal(t, d.StartDate, rows[0].PeriodStart)
	assert.Equal(t, d.EndDate, rows[0].PeriodEnd)
}
