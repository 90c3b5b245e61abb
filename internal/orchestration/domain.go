package orchestration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// OperationKind names an orchestrated business event.
type OperationKind string

const (
	KindSale         OperationKind = "SALE"
	KindPurchase     OperationKind = "PURCHASE"
	KindSaleReversal OperationKind = "SALE_REVERSAL"
	KindAdjustment   OperationKind = "ADJUSTMENT"
)

// Operation is the idempotency record of a committed business event, keyed by its natural key.
type Operation struct {
	TenantID   string
	Kind       OperationKind
	NaturalKey string
	EntryID    int64
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// OperationRepository stores committed operations.
type OperationRepository interface {
	GetOperation(ctx context.Context, tenantID string, kind OperationKind, naturalKey string) (Operation, error)
	InsertOperation(ctx context.Context, op Operation) error
}

// UnitOfWork exposes every repository bound to one transaction.
type UnitOfWork interface {
	Ledger() accounting.TxRepository
	Stock() inventory.TxRepository
	Operations() OperationRepository
}

// RepositoryPort runs fn atomically across ledger, stock and operations.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, UnitOfWork) error) error
}

// SaleLine is one product sold. Amount is the line's selling price in minor units.
type SaleLine struct {
	ProductID  string `validate:"required,max=64"`
	LocationID string `validate:"required,max=64"`
	Quantity   int64
	Amount     money.Amount
}

// SaleAccounts maps a sale onto the chart of accounts.
type SaleAccounts struct {
	Settlement string `validate:"required"`
	Revenue    string `validate:"required"`
	COGS       string `validate:"required"`
	Inventory  string `validate:"required"`
}

// SaleInput describes a sale. SaleID is the natural idempotency key.
type SaleInput struct {
	SaleID      string `validate:"required,max=128"`
	Date        time.Time
	Description string     `validate:"max=512"`
	Lines       []SaleLine `validate:"required,min=1,dive"`
	Accounts    SaleAccounts
}

// SaleResult is returned by RecordSale and by every replay of the same SaleID.
type SaleResult struct {
	SaleID       string                        `json:"sale_id"`
	Entry        accounting.JournalEntry       `json:"-"`
	Consumptions []inventory.ConsumptionResult `json:"consumptions"`
	Revenue      money.Amount                  `json:"revenue"`
	COGS         money.Amount                  `json:"cogs"`
	Replayed     bool                          `json:"-"`
}

// PurchaseLine is one product received.
type PurchaseLine struct {
	ProductID  string `validate:"required,max=64"`
	LocationID string `validate:"required,max=64"`
	Quantity   int64
	UnitCost   money.Amount
}

// PurchaseAccounts maps a purchase onto the chart of accounts.
type PurchaseAccounts struct {
	Inventory  string `validate:"required"`
	Settlement string `validate:"required"`
}

// PurchaseInput describes a receipt. PurchaseID is the natural idempotency key.
type PurchaseInput struct {
	PurchaseID  string `validate:"required,max=128"`
	Date        time.Time
	ReceivedAt  time.Time
	Description string         `validate:"max=512"`
	Lines       []PurchaseLine `validate:"required,min=1,dive"`
	Accounts    PurchaseAccounts
}

// PurchaseResult is returned by RecordPurchase and its replays.
type PurchaseResult struct {
	PurchaseID string                  `json:"purchase_id"`
	Entry      accounting.JournalEntry `json:"-"`
	Layers     []inventory.Layer       `json:"layers"`
	Total      money.Amount            `json:"total"`
	Replayed   bool                    `json:"-"`
}

// SaleReversalResult links the voided sale entry, its reversal and the layers re-created for returned goods.
type SaleReversalResult struct {
	SaleID   string                  `json:"sale_id"`
	Original accounting.JournalEntry `json:"-"`
	Reversal accounting.JournalEntry `json:"-"`
	Layers   []inventory.Layer       `json:"layers"`
	Replayed bool                    `json:"-"`
}

// AdjustmentAccounts maps stock corrections onto the chart of accounts.
type AdjustmentAccounts struct {
	Inventory string `validate:"required"`
	Gain      string `validate:"required"`
	Loss      string `validate:"required"`
}

// AdjustmentInput corrects stock at one location. A positive Quantity adds a layer at UnitCost;
// a negative one consumes FIFO.
type AdjustmentInput struct {
	AdjustmentID string `validate:"required,max=128"`
	ProductID    string `validate:"required,max=64"`
	LocationID   string `validate:"required,max=64"`
	Quantity     int64
	UnitCost     money.Amount
	Date         time.Time
	Reason       string `validate:"required,max=512"`
	Accounts     AdjustmentAccounts
}

// AdjustmentResult reports the stock movement and the entry it produced, if any value moved.
type AdjustmentResult struct {
	AdjustmentID string                       `json:"adjustment_id"`
	Entry        *accounting.JournalEntry     `json:"-"`
	Layer        *inventory.Layer             `json:"layer,omitempty"`
	Consumption  *inventory.ConsumptionResult `json:"consumption,omitempty"`
	Value        money.Amount                 `json:"value"`
	Replayed     bool                         `json:"-"`
}

var (
	// ErrOperationNotFound indicates no committed operation under the key.
	ErrOperationNotFound = shared.Classify(shared.ErrNotFound, "orchestration: operation not found")
	// ErrOperationConflict indicates the same key committed concurrently; retrying replays it.
	ErrOperationConflict = shared.Classify(shared.ErrConcurrency, "orchestration: operation recorded concurrently")
	// ErrSaleNotFound indicates a reversal for an unknown sale.
	ErrSaleNotFound = shared.Classify(shared.ErrNotFound, "orchestration: sale not found")
	// ErrInvalidAmount indicates a negative line amount or cost.
	ErrInvalidAmount = shared.Classify(shared.ErrValidation, "orchestration: amounts cannot be negative")
	// ErrUnitCostRequired indicates a positive adjustment without a cost.
	ErrUnitCostRequired = shared.Classify(shared.ErrValidation, "orchestration: positive adjustment requires a unit cost")
)

func operationKey(kind OperationKind, naturalKey string) string {
	return string(kind) + ":" + naturalKey
}
