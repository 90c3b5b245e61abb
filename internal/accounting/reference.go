package accounting

import (
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RefKind names the business document a journal entry originates from.
type RefKind string

const (
	RefSale       RefKind = "SALE"
	RefPurchase   RefKind = "PURCHASE"
	RefAdjustment RefKind = "ADJUSTMENT"
	RefManual     RefKind = "MANUAL"
)

// ErrInvalidReference indicates an unknown kind or a blank id.
var ErrInvalidReference = shared.Classify(shared.ErrValidation, "accounting: invalid reference")

// Reference is a closed set of typed links to an originating document.
// Build it with SaleRef, PurchaseRef, AdjustmentRef, ManualRef or ParseReference.
type Reference struct {
	kind RefKind
	id   string
}

// SaleRef links an entry to a sale.
func SaleRef(id string) Reference { return Reference{kind: RefSale, id: id} }

// PurchaseRef links an entry to a purchase receipt.
func PurchaseRef(id string) Reference { return Reference{kind: RefPurchase, id: id} }

// AdjustmentRef links an entry to a stock adjustment.
func AdjustmentRef(id string) Reference { return Reference{kind: RefAdjustment, id: id} }

// ManualRef links an entry to a manually keyed document.
func ManualRef(id string) Reference { return Reference{kind: RefManual, id: id} }

// ParseReference rebuilds a reference from its stored columns. Both blank yields the zero reference.
func ParseReference(kind, id string) (Reference, error) {
	if kind == "" && id == "" {
		return Reference{}, nil
	}
	k := RefKind(strings.ToUpper(strings.TrimSpace(kind)))
	switch k {
	case RefSale, RefPurchase, RefAdjustment, RefManual:
	default:
		return Reference{}, fmt.Errorf("%w: kind %q", ErrInvalidReference, kind)
	}
	if strings.TrimSpace(id) == "" {
		return Reference{}, fmt.Errorf("%w: blank id", ErrInvalidReference)
	}
	return Reference{kind: k, id: id}, nil
}

// Kind returns the document kind.
func (r Reference) Kind() RefKind { return r.kind }

// ID returns the document identifier.
func (r Reference) ID() string { return r.id }

// OwnedByOperation reports references written by stock operations (sale, purchase, adjustment).
func (r Reference) OwnedByOperation() bool {
	switch r.kind {
	case RefSale, RefPurchase, RefAdjustment:
		return true
	}
	return false
}

// IsZero reports an entry without a reference.
func (r Reference) IsZero() bool { return r.kind == "" }

func (r Reference) String() string {
	if r.IsZero() {
		return ""
	}
	return string(r.kind) + ":" + r.id
}

func (r Reference) validate() error {
	if r.IsZero() {
		return nil
	}
	_, err := ParseReference(string(r.kind), r.id)
	return err
}
