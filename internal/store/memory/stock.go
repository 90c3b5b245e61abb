package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/inventory"
)

type stockTx struct{ st *state }

func (t stockTx) LockOpenLayers(_ context.Context, tenantID, productID, locationID string) ([]inventory.Layer, error) {
	var out []inventory.Layer
	for _, l := range t.st.layers {
		if l.TenantID == tenantID && l.ProductID == productID && l.LocationID == locationID && l.RemainingQty > 0 {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, byConsumptionOrder)
	return out, nil
}

func (t stockTx) InsertLayer(_ context.Context, l inventory.Layer) (inventory.Layer, error) {
	if l.RemainingQty < 0 || l.RemainingQty > l.OriginalQty {
		return inventory.Layer{}, inventory.ErrInvalidQuantity
	}
	l.ID = int64(len(t.st.layers) + 1)
	t.st.layers = append(t.st.layers, l)
	return l, nil
}

func (t stockTx) DecrementLayer(_ context.Context, tenantID string, layerID, expectedRemaining, qty int64) error {
	if layerID <= 0 || layerID > int64(len(t.st.layers)) {
		return inventory.ErrLayerConflict
	}
	l := &t.st.layers[layerID-1]
	if l.TenantID != tenantID || l.RemainingQty != expectedRemaining || l.RemainingQty < qty {
		return inventory.ErrLayerConflict
	}
	l.RemainingQty -= qty
	return nil
}

func (t stockTx) InsertConsumptions(_ context.Context, records []inventory.ConsumptionRecord) error {
	for _, rec := range records {
		rec.ID = int64(len(t.st.consumptions) + 1)
		t.st.consumptions = append(t.st.consumptions, rec)
	}
	return nil
}

func (t stockTx) ListConsumptions(_ context.Context, tenantID, operationKey string) ([]inventory.ConsumptionRecord, error) {
	var out []inventory.ConsumptionRecord
	for _, rec := range t.st.consumptions {
		if rec.TenantID != tenantID || rec.OperationKey != operationKey {
			continue
		}
		if rec.LayerID > 0 && rec.LayerID <= int64(len(t.st.layers)) {
			rec.ReceivedAt = t.st.layers[rec.LayerID-1].ReceivedAt
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t stockTx) ListLayers(_ context.Context, tenantID string, filter inventory.LayerFilter) ([]inventory.Layer, error) {
	var out []inventory.Layer
	for _, l := range t.st.layers {
		if l.TenantID != tenantID {
			continue
		}
		if filter.ProductID != "" && l.ProductID != filter.ProductID {
			continue
		}
		if filter.LocationID != "" && l.LocationID != filter.LocationID {
			continue
		}
		if !filter.IncludeConsumed && l.RemainingQty <= 0 {
			continue
		}
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b inventory.Layer) int {
		if c := strings.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		if c := strings.Compare(a.LocationID, b.LocationID); c != 0 {
			return c
		}
		return byConsumptionOrder(a, b)
	})
	return out, nil
}

func byConsumptionOrder(a, b inventory.Layer) int {
	if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
