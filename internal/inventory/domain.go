package inventory

import (
	"fmt"
	"math"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Layer is one receipt of stock at a single unit cost. Layers are never deleted;
// RemainingQty only decreases and a drained layer stays with RemainingQty 0.
type Layer struct {
	ID           int64
	TenantID     string
	ProductID    string
	LocationID   string
	OriginalQty  int64
	RemainingQty int64
	UnitCost     money.Amount
	ReceivedAt   time.Time
	Source       string
	CreatedAt    time.Time
}

// Value returns RemainingQty * UnitCost.
func (l Layer) Value() (money.Amount, error) {
	return l.UnitCost.MultiplyByInteger(l.RemainingQty)
}

// Before reports whether l is consumed ahead of other: older receipt first, then lower id.
func (l Layer) Before(other Layer) bool {
	if !l.ReceivedAt.Equal(other.ReceivedAt) {
		return l.ReceivedAt.Before(other.ReceivedAt)
	}
	return l.ID < other.ID
}

// StockKey identifies the serialization domain of layer mutations.
type StockKey struct {
	ProductID  string
	LocationID string
}

// Consumption is one step of a FIFO walk.
type Consumption struct {
	LayerID    int64        `json:"layer_id"`
	Quantity   int64        `json:"quantity"`
	UnitCost   money.Amount `json:"unit_cost"`
	ReceivedAt time.Time    `json:"received_at"`
}

// Cost returns Quantity * UnitCost.
func (c Consumption) Cost() (money.Amount, error) {
	return c.UnitCost.MultiplyByInteger(c.Quantity)
}

// ConsumptionResult lists the layers drained by one consume call, oldest first.
type ConsumptionResult struct {
	ProductID  string        `json:"product_id"`
	LocationID string        `json:"location_id"`
	Steps      []Consumption `json:"steps"`
}

// Quantity sums consumed quantities.
func (r ConsumptionResult) Quantity() int64 {
	var total int64
	for _, step := range r.Steps {
		total += step.Quantity
	}
	return total
}

// TotalCost sums the cost of every step.
func (r ConsumptionResult) TotalCost() (money.Amount, error) {
	total := money.Zero
	for _, step := range r.Steps {
		cost, err := step.Cost()
		if err != nil {
			return money.Zero, err
		}
		if total, err = total.Add(cost); err != nil {
			return money.Zero, err
		}
	}
	return total, nil
}

// ConsumptionRecord is a persisted consumption step tied to the operation that caused it.
type ConsumptionRecord struct {
	ID           int64
	TenantID     string
	OperationKey string
	ProductID    string
	LocationID   string
	Consumption
	CreatedAt time.Time
}

// AddLayerInput describes a receipt.
type AddLayerInput struct {
	ProductID  string `validate:"required,max=64"`
	LocationID string `validate:"required,max=64"`
	Quantity   int64
	UnitCost   money.Amount
	ReceivedAt time.Time
	Source     string `validate:"max=128"`
}

// ConsumeInput describes an outbound movement. OperationKey ties persisted steps to their cause.
type ConsumeInput struct {
	ProductID    string `validate:"required,max=64"`
	LocationID   string `validate:"required,max=64"`
	Quantity     int64
	OperationKey string `validate:"max=256"`
}

// TransferInput moves stock between two locations keeping FIFO age and cost.
type TransferInput struct {
	ProductID    string `validate:"required,max=64"`
	FromLocation string `validate:"required,max=64"`
	ToLocation   string `validate:"required,max=64"`
	Quantity     int64
	OperationKey string `validate:"max=256"`
}

// TransferResult reports the source consumption and the destination layers it produced.
type TransferResult struct {
	Consumed ConsumptionResult
	Layers   []Layer
}

// LayerFilter narrows ListLayers; empty LocationID means every location.
type LayerFilter struct {
	ProductID       string
	LocationID      string
	IncludeConsumed bool
}

// Valuation is the stock value of one product at one location.
type Valuation struct {
	ProductID  string       `json:"product_id"`
	LocationID string       `json:"location_id"`
	Quantity   int64        `json:"quantity"`
	Value      money.Amount `json:"value"`
}

// AverageCost is the weighted unit cost of remaining stock. HasCost is false when no stock remains.
type AverageCost struct {
	UnitCost money.Amount
	Quantity int64
	Value    money.Amount
	HasCost  bool
}

var (
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = shared.Classify(shared.ErrValidation, "inventory: quantity must be positive")
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = shared.Classify(shared.ErrValidation, "inventory: unit cost cannot be negative")
	// ErrInsufficientStock indicates remaining layers cannot cover the request.
	ErrInsufficientStock = shared.Classify(shared.ErrResource, "inventory: insufficient stock")
	// ErrLayerConflict indicates a layer changed between read and decrement.
	ErrLayerConflict = shared.Classify(shared.ErrConcurrency, "inventory: layer modified concurrently")
	// ErrSameLocation indicates a transfer whose source equals its destination.
	ErrSameLocation = shared.Classify(shared.ErrValidation, "inventory: transfer source and destination must differ")
	// ErrQuantityOverflow indicates summed quantities beyond int64.
	ErrQuantityOverflow = shared.Classify(shared.ErrValidation, "inventory: quantity overflow")
)

// PlanConsumption walks layers oldest-first and returns the steps that satisfy qty.
// layers must already be in consumption order. Nothing is mutated; on shortage no steps are returned.
func PlanConsumption(layers []Layer, qty int64) ([]Consumption, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	var available int64
	for _, layer := range layers {
		if layer.RemainingQty > math.MaxInt64-available {
			available = math.MaxInt64
			break
		}
		available += layer.RemainingQty
	}
	if available < qty {
		return nil, shortage(qty, available)
	}
	outstanding := qty
	steps := make([]Consumption, 0, len(layers))
	for _, layer := range layers {
		if outstanding == 0 {
			break
		}
		if layer.RemainingQty <= 0 {
			continue
		}
		take := min(layer.RemainingQty, outstanding)
		steps = append(steps, Consumption{
			LayerID:    layer.ID,
			Quantity:   take,
			UnitCost:   layer.UnitCost,
			ReceivedAt: layer.ReceivedAt,
		})
		outstanding -= take
	}
	return steps, nil
}

// InsufficientStockError carries the shortfall; errors.Is matches ErrInsufficientStock.
type InsufficientStockError struct {
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: requested %d, available %d", ErrInsufficientStock, e.Requested, e.Available)
}

// Unwrap exposes the sentinel.
func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

func shortage(requested, available int64) error {
	return &InsufficientStockError{Requested: requested, Available: available}
}
