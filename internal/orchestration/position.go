package orchestration

import (
	"context"
	"errors"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// InventoryPosition is the inventory control account next to the FIFO layers,
// both read from the same transaction.
type InventoryPosition struct {
	Account   accounting.Account
	Totals    accounting.AccountTotals
	Valuation []inventory.Valuation
}

// InventoryPosition reads the control account totals and the remaining layers in one
// unit of work, so no commit can land between the two reads.
func (o *Orchestrator) InventoryPosition(ctx context.Context, scope shared.Scope, inventoryCode string) (InventoryPosition, error) {
	if err := scope.Validate(); err != nil {
		return InventoryPosition{}, err
	}
	var out InventoryPosition
	err := o.repo.WithTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		account, err := uow.Ledger().GetAccount(ctx, scope.TenantID, inventoryCode)
		if errors.Is(err, shared.ErrNotFound) {
			return accounting.ErrUnknownAccount
		}
		if err != nil {
			return err
		}
		totals, err := uow.Ledger().SumAccount(ctx, scope.TenantID, inventoryCode, time.Time{})
		if err != nil {
			return err
		}
		layers, err := uow.Stock().ListLayers(ctx, scope.TenantID, inventory.LayerFilter{})
		if err != nil {
			return err
		}
		valuation, err := inventory.Summarise(layers)
		if err != nil {
			return err
		}
		out = InventoryPosition{Account: account, Totals: totals, Valuation: valuation}
		return nil
	})
	return out, err
}
