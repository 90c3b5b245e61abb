package accounting

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Valid reports whether t is one of the five CoA categories.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// DebitNormal reports whether debits increase the account balance.
func (t AccountType) DebitNormal() bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// EntryStatus enumerates journal lifecycle values.
type EntryStatus string

const (
	EntryStatusPosted EntryStatus = "POSTED"
	EntryStatusVoided EntryStatus = "VOIDED"
)

// Account models a chart of accounts node. Parent is a code reference, never a pointer.
type Account struct {
	TenantID   string
	Code       string
	Name       string
	Type       AccountType
	ParentCode string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AccountNode is one node of the chart rendered as a tree.
type AccountNode struct {
	Account
	Children []AccountNode
}

// JournalEntry captures posting metadata. Only Voided, VoidedAt, VoidReason and
// ReversedByID change after insert.
type JournalEntry struct {
	ID           int64
	TenantID     string
	Number       int64
	BranchID     string
	Date         time.Time
	Description  string
	Reference    Reference
	Voided       bool
	VoidedAt     *time.Time
	VoidReason   string
	ReversedByID *int64
	ReversesID   *int64
	CreatedBy    string
	CreatedAt    time.Time
	Lines        []JournalLine
}

// Status derives the lifecycle state.
func (e JournalEntry) Status() EntryStatus {
	if e.Voided {
		return EntryStatusVoided
	}
	return EntryStatusPosted
}

// Totals sums debit and credit lines.
func (e JournalEntry) Totals() (debit, credit money.Amount, err error) {
	for _, line := range e.Lines {
		if debit, err = debit.Add(line.Debit); err != nil {
			return money.Zero, money.Zero, err
		}
		if credit, err = credit.Add(line.Credit); err != nil {
			return money.Zero, money.Zero, err
		}
	}
	return debit, credit, nil
}

// JournalLine stores debit or credit amount for an account.
type JournalLine struct {
	ID          int64
	EntryID     int64
	AccountCode string
	BranchID    string
	Debit       money.Amount
	Credit      money.Amount
	Memo        string
}

// Posting is a journal line joined with its entry header, used by ledgers and balances.
type Posting struct {
	EntryID     int64
	EntryNumber int64
	Date        time.Time
	Description string
	Reference   Reference
	Voided      bool
	LineID      int64
	AccountCode string
	BranchID    string
	Debit       money.Amount
	Credit      money.Amount
}

// PostingFilter narrows postings; zero times are unbounded.
type PostingFilter struct {
	AccountCode string
	From        time.Time
	To          time.Time
}

// AccountTotals aggregates debits and credits posted to one account.
type AccountTotals struct {
	Code   string
	Debit  money.Amount
	Credit money.Amount
}

// LedgerRow is a posting with the running balance after it.
type LedgerRow struct {
	Posting
	Balance money.Amount
}

// AccountLedger lists the ordered postings of one account over a range.
type AccountLedger struct {
	Account Account
	From    time.Time
	To      time.Time
	Opening money.Amount
	Rows    []LedgerRow
	Closing money.Amount
}

// CreateAccountInput describes a new chart of accounts node.
type CreateAccountInput struct {
	Code       string      `validate:"required,max=32"`
	Name       string      `validate:"required,max=128"`
	Type       AccountType `validate:"required"`
	ParentCode string      `validate:"omitempty,max=32"`
}

// LineInput describes a journal line for posting request.
type LineInput struct {
	AccountCode string `validate:"required"`
	Debit       money.Amount
	Credit      money.Amount
	BranchID    string
	Memo        string `validate:"max=256"`
}

// EntryInput groups fields required to create a journal entry.
type EntryInput struct {
	Date        time.Time   `validate:"required"`
	Description string      `validate:"required,max=512"`
	Lines       []LineInput `validate:"dive"`
	Reference   Reference
}

var (
	// ErrEmptyEntry indicates an entry without lines.
	ErrEmptyEntry = shared.Classify(shared.ErrValidation, "accounting: journal requires at least one line")
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = shared.Classify(shared.ErrValidation, "accounting: journal lines must balance")
	// ErrInvalidLine indicates a line without exactly one positive side.
	ErrInvalidLine = shared.Classify(shared.ErrValidation, "accounting: line must carry exactly one positive debit or credit")
	// ErrUnknownAccount indicates a missing or inactive account on a line.
	ErrUnknownAccount = shared.Classify(shared.ErrValidation, "accounting: unknown or inactive account")
	// ErrAccountNotFound indicates a missing account lookup.
	ErrAccountNotFound = shared.Classify(shared.ErrNotFound, "accounting: account not found")
	// ErrInvalidAccountType indicates an unsupported account type.
	ErrInvalidAccountType = shared.Classify(shared.ErrValidation, "accounting: invalid account type")
	// ErrDuplicateCode indicates the account code already exists for the tenant.
	ErrDuplicateCode = shared.Classify(shared.ErrConflict, "accounting: account code already exists")
	// ErrInvalidParent indicates a missing parent or a parent that would create a cycle.
	ErrInvalidParent = shared.Classify(shared.ErrValidation, "accounting: invalid parent account")
	// ErrAccountInUse indicates deactivation blocked by an open balance.
	ErrAccountInUse = shared.Classify(shared.ErrConflict, "accounting: account has an open balance")
	// ErrAlreadyVoided indicates the entry is already voided.
	ErrAlreadyVoided = shared.Classify(shared.ErrConflict, "accounting: journal entry already voided")
	// ErrReversalNotVoidable indicates an attempt to void a reversing entry.
	ErrReversalNotVoidable = shared.Classify(shared.ErrConflict, "accounting: reversing entries cannot be voided")
	// ErrOperationOwned indicates a direct void of an entry posted by a stock operation.
	ErrOperationOwned = shared.Classify(shared.ErrConflict, "accounting: entry belongs to a stock operation; reverse the operation instead")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = shared.Classify(shared.ErrNotFound, "accounting: journal entry not found")
	// ErrReasonRequired indicates a void without a reason.
	ErrReasonRequired = shared.Classify(shared.ErrValidation, "accounting: void reason required")
	// ErrInvalidAmount indicates a non-positive manual amount.
	ErrInvalidAmount = shared.Classify(shared.ErrValidation, "accounting: amount must be positive")
	// ErrNumberConflict indicates an entry number allocated twice.
	ErrNumberConflict = shared.Classify(shared.ErrConcurrency, "accounting: entry number conflict")
)

// Validate ensures posting input meets minimum criteria.
func (in EntryInput) Validate() error {
	if len(in.Lines) == 0 {
		return ErrEmptyEntry
	}
	if in.Date.IsZero() {
		return shared.Classify(shared.ErrValidation, "accounting: entry date required")
	}
	var debit, credit money.Amount
	for idx, line := range in.Lines {
		if line.AccountCode == "" {
			return fmt.Errorf("line %d missing account: %w", idx, ErrUnknownAccount)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("line %d negative amount: %w", idx, ErrInvalidLine)
		}
		if line.Debit.IsPositive() == line.Credit.IsPositive() {
			return fmt.Errorf("line %d: %w", idx, ErrInvalidLine)
		}
		var err error
		if debit, err = debit.Add(line.Debit); err != nil {
			return err
		}
		if credit, err = credit.Add(line.Credit); err != nil {
			return err
		}
	}
	if !debit.Equal(credit) {
		return ErrUnbalanced
	}
	return nil
}

// Validate checks the account type beyond the struct tags.
func (in CreateAccountInput) Validate() error {
	if !in.Type.Valid() {
		return ErrInvalidAccountType
	}
	if in.ParentCode != "" && in.ParentCode == in.Code {
		return ErrInvalidParent
	}
	return nil
}

// signedBalance applies the normal-side convention of typ.
func signedBalance(typ AccountType, debit, credit money.Amount) (money.Amount, error) {
	if typ.DebitNormal() {
		return debit.Subtract(credit)
	}
	return credit.Subtract(debit)
}

// SignedBalance exposes the normal-side convention for reporting collaborators.
func SignedBalance(typ AccountType, debit, credit money.Amount) (money.Amount, error) {
	return signedBalance(typ, debit, credit)
}

func isNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound)
}
