package inventory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
)

func TestPlanConsumptionWalksOldestFirst(t *testing.T) {
	layers := []Layer{
		{ID: 1, RemainingQty: 10, UnitCost: money.New(500), ReceivedAt: day1},
		{ID: 2, RemainingQty: 5, UnitCost: money.New(600), ReceivedAt: day2},
	}
	steps, err := PlanConsumption(layers, 12)
	require.NoError(t, err)
	assert.Equal(t, []Consumption{
		{LayerID: 1, Quantity: 10, UnitCost: money.New(500), ReceivedAt: day1},
		{LayerID: 2, Quantity: 2, UnitCost: money.New(600), ReceivedAt: day2},
	}, steps)
	assert.Equal(t, int64(10), layers[0].RemainingQty)
}

func TestPlanConsumptionShortage(t *testing.T) {
	layers := []Layer{{ID: 2, RemainingQty: 3, UnitCost: money.New(600), ReceivedAt: day2}}
	steps, err := PlanConsumption(layers, 20)
	assert.Nil(t, steps)
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.ErrorIs(t, err, shared.ErrResource)
	var shortage *InsufficientStockError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, int64(20), shortage.Requested)
	assert.Equal(t, int64(3), shortage.Available)

	_, err = PlanConsumption(layers, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestLayerOrderingBreaksTiesByID(t *testing.T) {
	a := Layer{ID: 7, ReceivedAt: day1}
	b := Layer{ID: 3, ReceivedAt: day1}
	assert.True(t, b.Before(a))
	assert.False(t, a.Before(b))
	assert.True(t, Layer{ID: 9, ReceivedAt: day1}.Before(Layer{ID: 1, ReceivedAt: day2}))
}

func TestAverageOfRoundsHalfEven(t *testing.T) {
	avg, err := averageOf([]Layer{
		{RemainingQty: 1, UnitCost: money.New(100)},
		{RemainingQty: 1, UnitCost: money.New(101)},
		{RemainingQty: 2, UnitCost: money.New(100)},
	})
	require.NoError(t, err)
	assert.True(t, avg.HasCost)
	assert.Equal(t, int64(4), avg.Quantity)
	assert.Equal(t, int64(401), avg.Value.Minor())
	assert.Equal(t, int64(100), avg.UnitCost.Minor())

	empty, err := averageOf(nil)
	require.NoError(t, err)
	assert.False(t, empty.HasCost)
	assert.True(t, empty.UnitCost.IsZero())
}

func TestSummariseGroupsByStockKey(t *testing.T) {
	out, err := Summarise([]Layer{
		{ProductID: "p", LocationID: "a", RemainingQty: 2, UnitCost: money.New(10)},
		{ProductID: "p", LocationID: "b", RemainingQty: 1, UnitCost: money.New(30)},
		{ProductID: "p", LocationID: "a", RemainingQty: 3, UnitCost: money.New(20)},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, Valuation{ProductID: "p", LocationID: "a", Quantity: 5, Value: money.New(80)}, out[0])
	assert.Equal(t, Valuation{ProductID: "p", LocationID: "b", Quantity: 1, Value: money.New(30)}, out[1])
}
