package memory

import (
	"context"
	"slices"

	"github.com/odyssey-erp/odyssey-ledger/internal/orchestration"
)

type operationsTx struct{ st *state }

func (t operationsTx) GetOperation(_ context.Context, tenantID string, kind orchestration.OperationKind, naturalKey string) (orchestration.Operation, error) {
	op, ok := t.st.operations[operationKey{tenant: tenantID, kind: kind, key: naturalKey}]
	if !ok {
		return orchestration.Operation{}, orchestration.ErrOperationNotFound
	}
	op.Payload = slices.Clone(op.Payload)
	return op, nil
}

func (t operationsTx) InsertOperation(_ context.Context, op orchestration.Operation) error {
	key := operationKey{tenant: op.TenantID, kind: op.Kind, key: op.NaturalKey}
	if _, ok := t.st.operations[key]; ok {
		return orchestration.ErrOperationConflict
	}
	op.Payload = slices.Clone(op.Payload)
	t.st.operations[key] = op
	return nil
}
