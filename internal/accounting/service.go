package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the ledger statements available inside one transaction.
type TxRepository interface {
	GetAccount(ctx context.Context, tenantID, code string) (Account, error)
	ListAccounts(ctx context.Context, tenantID string) ([]Account, error)
	InsertAccount(ctx context.Context, account Account) error
	UpdateAccountActive(ctx context.Context, tenantID, code string, active bool, at time.Time) error
	UpdateAccountParent(ctx context.Context, tenantID, code, parentCode string, at time.Time) error
	NextEntryNumber(ctx context.Context, tenantID string) (int64, error)
	InsertJournalEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	GetJournalWithLines(ctx context.Context, tenantID string, entryID int64) (JournalEntry, error)
	GetJournalByNumber(ctx context.Context, tenantID string, number int64) (JournalEntry, error)
	MarkVoided(ctx context.Context, tenantID string, entryID, reversalID int64, reason string, at time.Time) error
	ListJournalEntries(ctx context.Context, tenantID string, from, to time.Time) ([]JournalEntry, error)
	ListPostings(ctx context.Context, tenantID string, filter PostingFilter) ([]Posting, error)
	SumAccount(ctx context.Context, tenantID, code string, asOf time.Time) (AccountTotals, error)
	SumAllAccounts(ctx context.Context, tenantID string, asOf time.Time) ([]AccountTotals, error)
}

// AuditPort receives committed ledger events. Delivery failures are the port's concern.
type AuditPort interface {
	Notify(ctx context.Context, log shared.AuditLog)
}

// Invalidator drops cached reads of a tenant after a commit.
type Invalidator interface {
	Bump(ctx context.Context, tenantID string) error
}

// ServiceConfig wires optional collaborators and policies.
type ServiceConfig struct {
	// BlockDeactivateWithBalance rejects deactivation of accounts whose balance is non-zero.
	BlockDeactivateWithBalance bool
	Invalidator                Invalidator
	Logger                     *slog.Logger
}

// Service coordinates the chart of accounts and posting, voiding, and reading journal entries.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	cfg      ServiceConfig
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now exposes the service clock to collaborators sharing it.
func (s *Service) Now() time.Time {
	return s.now()
}

// CreateAccount adds a node to the tenant chart of accounts.
func (s *Service) CreateAccount(ctx context.Context, scope shared.Scope, input CreateAccountInput) (Account, error) {
	if err := scope.Validate(); err != nil {
		return Account{}, err
	}
	if err := s.validate.Struct(input); err != nil {
		return Account{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if err := input.Validate(); err != nil {
		return Account{}, err
	}
	now := s.now()
	account := Account{
		TenantID:   scope.TenantID,
		Code:       input.Code,
		Name:       input.Name,
		Type:       input.Type,
		ParentCode: input.ParentCode,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetAccount(ctx, scope.TenantID, input.Code); err == nil {
			return ErrDuplicateCode
		} else if !isNotFound(err) {
			return err
		}
		if input.ParentCode != "" {
			if _, err := tx.GetAccount(ctx, scope.TenantID, input.ParentCode); err != nil {
				if isNotFound(err) {
					return ErrInvalidParent
				}
				return err
			}
		}
		return tx.InsertAccount(ctx, account)
	})
	if err != nil {
		return Account{}, err
	}
	s.committed(ctx, scope, shared.AuditLog{
		Action:   "account.create",
		Entity:   "account",
		EntityID: account.Code,
		After:    account,
	})
	return account, nil
}

// ReparentAccount moves an account under a new parent; an empty parent makes it a root.
// The new parent must exist and must not be the account itself or one of its descendants.
func (s *Service) ReparentAccount(ctx context.Context, scope shared.Scope, code, parentCode string) (Account, error) {
	if err := scope.Validate(); err != nil {
		return Account{}, err
	}
	var before, after Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccount(ctx, scope.TenantID, code)
		if err != nil {
			return err
		}
		if parentCode != "" {
			accounts, err := tx.ListAccounts(ctx, scope.TenantID)
			if err != nil {
				return err
			}
			if err := checkParent(indexAccounts(accounts), code, parentCode); err != nil {
				return err
			}
		}
		now := s.now()
		if err := tx.UpdateAccountParent(ctx, scope.TenantID, code, parentCode, now); err != nil {
			return err
		}
		before = current
		after = current
		after.ParentCode = parentCode
		after.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.committed(ctx, scope, shared.AuditLog{
		Action:   "account.reparent",
		Entity:   "account",
		EntityID: code,
		Before:   before,
		After:    after,
	})
	return after, nil
}

// checkParent walks up from parentCode and fails if it reaches code.
func checkParent(arena map[string]Account, code, parentCode string) error {
	if parentCode == code {
		return ErrInvalidParent
	}
	cursor, ok := arena[parentCode]
	if !ok {
		return ErrInvalidParent
	}
	for steps := 0; cursor.ParentCode != ""; steps++ {
		if cursor.ParentCode == code || steps > len(arena) {
			return ErrInvalidParent
		}
		next, ok := arena[cursor.ParentCode]
		if !ok {
			return nil
		}
		cursor = next
	}
	return nil
}

// DeactivateAccount hides an account from new postings. Its history is untouched.
func (s *Service) DeactivateAccount(ctx context.Context, scope shared.Scope, code string) (Account, error) {
	return s.setActive(ctx, scope, code, false)
}

// ReactivateAccount allows postings to a previously deactivated account.
func (s *Service) ReactivateAccount(ctx context.Context, scope shared.Scope, code string) (Account, error) {
	return s.setActive(ctx, scope, code, true)
}

func (s *Service) setActive(ctx context.Context, scope shared.Scope, code string, active bool) (Account, error) {
	if err := scope.Validate(); err != nil {
		return Account{}, err
	}
	var before, after Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccount(ctx, scope.TenantID, code)
		if err != nil {
			return err
		}
		if current.IsActive == active {
			before, after = current, current
			return nil
		}
		if !active && s.cfg.BlockDeactivateWithBalance {
			totals, err := tx.SumAccount(ctx, scope.TenantID, code, time.Time{})
			if err != nil {
				return err
			}
			if !totals.Debit.Equal(totals.Credit) {
				return ErrAccountInUse
			}
		}
		now := s.now()
		if err := tx.UpdateAccountActive(ctx, scope.TenantID, code, active, now); err != nil {
			return err
		}
		before = current
		after = current
		after.IsActive = active
		after.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	if before.IsActive != after.IsActive {
		action := "account.deactivate"
		if active {
			action = "account.reactivate"
		}
		s.committed(ctx, scope, shared.AuditLog{
			Action:   action,
			Entity:   "account",
			EntityID: code,
			Before:   before,
			After:    after,
		})
	}
	return after, nil
}

// GetAccount returns one account of the tenant.
func (s *Service) GetAccount(ctx context.Context, scope shared.Scope, code string) (Account, error) {
	if err := scope.Validate(); err != nil {
		return Account{}, err
	}
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccount(ctx, scope.TenantID, code)
		return err
	})
	return account, err
}

// ListAccounts retrieves all chart of accounts entries ordered by code.
func (s *Service) ListAccounts(ctx context.Context, scope shared.Scope) ([]Account, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var accounts []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		accounts, err = tx.ListAccounts(ctx, scope.TenantID)
		return err
	})
	return accounts, err
}

// GetHierarchy returns the chart of accounts as a forest ordered by code.
func (s *Service) GetHierarchy(ctx context.Context, scope shared.Scope) ([]AccountNode, error) {
	accounts, err := s.ListAccounts(ctx, scope)
	if err != nil {
		return nil, err
	}
	return BuildHierarchy(accounts), nil
}

// BuildHierarchy arranges accounts into trees. Accounts whose parent is missing become roots.
func BuildHierarchy(accounts []Account) []AccountNode {
	arena := indexAccounts(accounts)
	children := make(map[string][]string, len(accounts))
	var roots []string
	for _, acc := range accounts {
		if _, ok := arena[acc.ParentCode]; acc.ParentCode == "" || !ok {
			roots = append(roots, acc.Code)
			continue
		}
		children[acc.ParentCode] = append(children[acc.ParentCode], acc.Code)
	}
	var build func(code string, depth int) AccountNode
	build = func(code string, depth int) AccountNode {
		node := AccountNode{Account: arena[code]}
		if depth > len(accounts) {
			return node
		}
		kids := children[code]
		sort.Strings(kids)
		for _, kid := range kids {
			node.Children = append(node.Children, build(kid, depth+1))
		}
		return node
	}
	sort.Strings(roots)
	out := make([]AccountNode, 0, len(roots))
	for _, code := range roots {
		out = append(out, build(code, 0))
	}
	return out
}

func indexAccounts(accounts []Account) map[string]Account {
	arena := make(map[string]Account, len(accounts))
	for _, acc := range accounts {
		arena[acc.Code] = acc
	}
	return arena
}

// GetBalance returns the signed balance of an account up to asOf inclusive; zero asOf means all time.
// A voided entry still counts at its own date and its reversal counts at the void date, so the pair
// nets to zero from the void date on. With asOf between the two dates the voided original is included:
// the balance reports what the books showed on that day.
func (s *Service) GetBalance(ctx context.Context, scope shared.Scope, code string, asOf time.Time) (money.Amount, error) {
	if err := scope.Validate(); err != nil {
		return money.Zero, err
	}
	var balance money.Amount
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, scope.TenantID, code)
		if err != nil {
			return err
		}
		totals, err := tx.SumAccount(ctx, scope.TenantID, code, asOf)
		if err != nil {
			return err
		}
		balance, err = signedBalance(account.Type, totals.Debit, totals.Credit)
		return err
	})
	return balance, err
}

// CreateEntry validates and persists a new journal entry with its lines as one unit.
func (s *Service) CreateEntry(ctx context.Context, scope shared.Scope, input EntryInput) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = s.CreateEntryTx(ctx, tx, scope, input)
		return err
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.committed(ctx, scope, EntryAudit("journal.post", entry, nil))
	return entry, nil
}

// CreateEntryTx posts an entry inside a transaction owned by the caller.
func (s *Service) CreateEntryTx(ctx context.Context, tx TxRepository, scope shared.Scope, input EntryInput) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if err := s.validate.Struct(input); err != nil {
		return JournalEntry{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if err := input.Reference.validate(); err != nil {
		return JournalEntry{}, err
	}
	checked := make(map[string]struct{}, len(input.Lines))
	for _, line := range input.Lines {
		if _, ok := checked[line.AccountCode]; ok {
			continue
		}
		account, err := tx.GetAccount(ctx, scope.TenantID, line.AccountCode)
		if err != nil {
			if isNotFound(err) {
				return JournalEntry{}, fmt.Errorf("%w: %s", ErrUnknownAccount, line.AccountCode)
			}
			return JournalEntry{}, err
		}
		if !account.IsActive {
			return JournalEntry{}, fmt.Errorf("%w: %s inactive", ErrUnknownAccount, line.AccountCode)
		}
		checked[line.AccountCode] = struct{}{}
	}
	number, err := tx.NextEntryNumber(ctx, scope.TenantID)
	if err != nil {
		return JournalEntry{}, err
	}
	entry := JournalEntry{
		TenantID:    scope.TenantID,
		Number:      number,
		BranchID:    scope.BranchID,
		Date:        input.Date,
		Description: input.Description,
		Reference:   input.Reference,
		CreatedBy:   scope.ActorOrSystem(),
		CreatedAt:   s.now(),
		Lines:       make([]JournalLine, 0, len(input.Lines)),
	}
	for _, line := range input.Lines {
		branch := line.BranchID
		if branch == "" {
			branch = scope.BranchID
		}
		entry.Lines = append(entry.Lines, JournalLine{
			AccountCode: line.AccountCode,
			BranchID:    branch,
			Debit:       line.Debit,
			Credit:      line.Credit,
			Memo:        line.Memo,
		})
	}
	return tx.InsertJournalEntry(ctx, entry)
}

// VoidEntry voids a posted entry by posting its mirror image. It returns the updated original and
// the reversing entry. Entries referencing a sale, purchase or adjustment are rejected with
// ErrOperationOwned: their stock side is reversed by the orchestrator through VoidEntryTx.
func (s *Service) VoidEntry(ctx context.Context, scope shared.Scope, entryID int64, reason string) (JournalEntry, JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, JournalEntry{}, err
	}
	var original, reversal JournalEntry
	var before JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		before, err = tx.GetJournalWithLines(ctx, scope.TenantID, entryID)
		if err != nil {
			return err
		}
		if before.Reference.OwnedByOperation() {
			return ErrOperationOwned
		}
		original, reversal, err = s.VoidEntryTx(ctx, tx, scope, entryID, reason)
		return err
	})
	if err != nil {
		return JournalEntry{}, JournalEntry{}, err
	}
	s.committed(ctx, scope, EntryAudit("journal.void", original, &before))
	s.committed(ctx, scope, EntryAudit("journal.post", reversal, nil))
	return original, reversal, nil
}

// VoidEntryTx voids an entry inside a transaction owned by the caller.
// Original lines are never modified; only the voided flag and reversal link change.
func (s *Service) VoidEntryTx(ctx context.Context, tx TxRepository, scope shared.Scope, entryID int64, reason string) (JournalEntry, JournalEntry, error) {
	if reason == "" {
		return JournalEntry{}, JournalEntry{}, ErrReasonRequired
	}
	original, err := tx.GetJournalWithLines(ctx, scope.TenantID, entryID)
	if err != nil {
		return JournalEntry{}, JournalEntry{}, err
	}
	if original.Voided {
		return JournalEntry{}, JournalEntry{}, ErrAlreadyVoided
	}
	if original.ReversesID != nil {
		return JournalEntry{}, JournalEntry{}, ErrReversalNotVoidable
	}
	now := s.now()
	number, err := tx.NextEntryNumber(ctx, scope.TenantID)
	if err != nil {
		return JournalEntry{}, JournalEntry{}, err
	}
	reversesID := original.ID
	reversal, err := tx.InsertJournalEntry(ctx, JournalEntry{
		TenantID:    scope.TenantID,
		Number:      number,
		BranchID:    original.BranchID,
		Date:        now,
		Description: reversalDescription(original.Number, reason),
		Reference:   original.Reference,
		ReversesID:  &reversesID,
		CreatedBy:   scope.ActorOrSystem(),
		CreatedAt:   now,
		Lines:       reverseLines(original.Lines),
	})
	if err != nil {
		return JournalEntry{}, JournalEntry{}, err
	}
	if err := tx.MarkVoided(ctx, scope.TenantID, original.ID, reversal.ID, reason, now); err != nil {
		return JournalEntry{}, JournalEntry{}, err
	}
	reversalID := reversal.ID
	original.Voided = true
	original.VoidedAt = &now
	original.VoidReason = reason
	original.ReversedByID = &reversalID
	return original, reversal, nil
}

func reverseLines(lines []JournalLine) []JournalLine {
	out := make([]JournalLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, JournalLine{
			AccountCode: line.AccountCode,
			BranchID:    line.BranchID,
			Debit:       line.Credit,
			Credit:      line.Debit,
			Memo:        line.Memo,
		})
	}
	return out
}

func reversalDescription(number int64, reason string) string {
	return fmt.Sprintf("Reversal of JE %d: %s", number, reason)
}

// RecordIncome posts Dr cash / Cr revenue for a manually keyed receipt.
func (s *Service) RecordIncome(ctx context.Context, scope shared.Scope, amount money.Amount, revenueCode, cashCode string, date time.Time, ref Reference) (JournalEntry, error) {
	return s.recordPair(ctx, scope, amount, cashCode, revenueCode, date, ref, "Income")
}

// RecordExpense posts Dr expense / Cr cash for a manually keyed payment.
func (s *Service) RecordExpense(ctx context.Context, scope shared.Scope, amount money.Amount, expenseCode, cashCode string, date time.Time, ref Reference) (JournalEntry, error) {
	return s.recordPair(ctx, scope, amount, expenseCode, cashCode, date, ref, "Expense")
}

func (s *Service) recordPair(ctx context.Context, scope shared.Scope, amount money.Amount, debitCode, creditCode string, date time.Time, ref Reference, label string) (JournalEntry, error) {
	if !amount.IsPositive() {
		return JournalEntry{}, ErrInvalidAmount
	}
	if date.IsZero() {
		date = s.now()
	}
	if ref.IsZero() {
		ref = ManualRef(strconv.FormatInt(s.now().UnixNano(), 36))
	}
	return s.CreateEntry(ctx, scope, EntryInput{
		Date:        date,
		Description: fmt.Sprintf("%s %s", label, ref.ID()),
		Reference:   ref,
		Lines: []LineInput{
			{AccountCode: debitCode, Debit: amount},
			{AccountCode: creditCode, Credit: amount},
		},
	})
}

// GetEntry returns an entry with its lines.
func (s *Service) GetEntry(ctx context.Context, scope shared.Scope, entryID int64) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetJournalWithLines(ctx, scope.TenantID, entryID)
		return err
	})
	return entry, err
}

// GetEntryByNumber returns an entry by its tenant sequence number.
func (s *Service) GetEntryByNumber(ctx context.Context, scope shared.Scope, number int64) (JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetJournalByNumber(ctx, scope.TenantID, number)
		return err
	})
	return entry, err
}

// ListEntries returns entries dated within [from, to], ordered by number, lines included.
func (s *Service) ListEntries(ctx context.Context, scope shared.Scope, from, to time.Time) ([]JournalEntry, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var entries []JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entries, err = tx.ListJournalEntries(ctx, scope.TenantID, from, to)
		return err
	})
	return entries, err
}

// GetEntriesByAccount returns the postings of one account dated within [from, to].
func (s *Service) GetEntriesByAccount(ctx context.Context, scope shared.Scope, code string, from, to time.Time) ([]Posting, error) {
	ledger, err := s.GetAccountLedger(ctx, scope, code, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]Posting, 0, len(ledger.Rows))
	for _, row := range ledger.Rows {
		out = append(out, row.Posting)
	}
	return out, nil
}

// GetAccountLedger returns the ordered postings of an account with an opening and running balance.
// All reads share one snapshot.
func (s *Service) GetAccountLedger(ctx context.Context, scope shared.Scope, code string, from, to time.Time) (AccountLedger, error) {
	if err := scope.Validate(); err != nil {
		return AccountLedger{}, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return AccountLedger{}, shared.Classify(shared.ErrValidation, "accounting: ledger range end before start")
	}
	var ledger AccountLedger
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, scope.TenantID, code)
		if err != nil {
			return err
		}
		ledger = AccountLedger{Account: account, From: from, To: to}
		if !from.IsZero() {
			opening, err := tx.SumAccount(ctx, scope.TenantID, code, from.Add(-time.Nanosecond))
			if err != nil {
				return err
			}
			if ledger.Opening, err = signedBalance(account.Type, opening.Debit, opening.Credit); err != nil {
				return err
			}
		}
		postings, err := tx.ListPostings(ctx, scope.TenantID, PostingFilter{AccountCode: code, From: from, To: to})
		if err != nil {
			return err
		}
		running := ledger.Opening
		ledger.Rows = make([]LedgerRow, 0, len(postings))
		for _, p := range postings {
			delta, err := signedBalance(account.Type, p.Debit, p.Credit)
			if err != nil {
				return err
			}
			if running, err = running.Add(delta); err != nil {
				return err
			}
			ledger.Rows = append(ledger.Rows, LedgerRow{Posting: p, Balance: running})
		}
		ledger.Closing = running
		return nil
	})
	return ledger, err
}

// AccountBalances returns every account with its signed balance as of asOf, in one snapshot.
func (s *Service) AccountBalances(ctx context.Context, scope shared.Scope, asOf time.Time) ([]Account, map[string]AccountTotals, error) {
	if err := scope.Validate(); err != nil {
		return nil, nil, err
	}
	var accounts []Account
	totals := make(map[string]AccountTotals)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if accounts, err = tx.ListAccounts(ctx, scope.TenantID); err != nil {
			return err
		}
		rows, err := tx.SumAllAccounts(ctx, scope.TenantID, asOf)
		if err != nil {
			return err
		}
		for _, row := range rows {
			totals[row.Code] = row
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return accounts, totals, nil
}

// EntryAudit builds the audit record of a journal event.
func EntryAudit(action string, entry JournalEntry, before *JournalEntry) shared.AuditLog {
	log := shared.AuditLog{
		TenantID: entry.TenantID,
		BranchID: entry.BranchID,
		Action:   action,
		Entity:   "journal_entry",
		EntityID: strconv.FormatInt(entry.ID, 10),
		After:    entry,
	}
	if before != nil {
		log.Before = *before
	}
	return log
}

// committed runs the post-commit side effects of a mutation: audit and cache invalidation.
func (s *Service) committed(ctx context.Context, scope shared.Scope, log shared.AuditLog) {
	if s.audit != nil {
		log.TenantID = scope.TenantID
		if log.BranchID == "" {
			log.BranchID = scope.BranchID
		}
		log.Actor = scope.ActorOrSystem()
		if log.At.IsZero() {
			log.At = s.now()
		}
		s.audit.Notify(ctx, log)
	}
	s.Invalidate(ctx, scope.TenantID)
}

// Invalidate drops cached reports of the tenant, logging failures.
func (s *Service) Invalidate(ctx context.Context, tenantID string) {
	if s.cfg.Invalidator == nil {
		return
	}
	if err := s.cfg.Invalidator.Bump(ctx, tenantID); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("report cache invalidation failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
}
