package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/money"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists accounting entities.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn within repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// Tenants lists every tenant with a chart of accounts.
func (r *Repository) Tenants(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM accounts ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// NewTxRepository binds the ledger statements to a transaction owned by the caller.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

const accountColumns = `tenant_id, code, name, type, COALESCE(parent_code, ''), is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.TenantID, &a.Code, &a.Name, &a.Type, &a.ParentCode, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *txRepository) GetAccount(ctx context.Context, tenantID, code string) (Account, error) {
	a, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 AND code=$2`, tenantID, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (r *txRepository) ListAccounts(ctx context.Context, tenantID string) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 ORDER BY code`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *txRepository) InsertAccount(ctx context.Context, a Account) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO accounts (tenant_id, code, name, type, parent_code, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8)`, a.TenantID, a.Code, a.Name, a.Type, a.ParentCode, a.IsActive, a.CreatedAt, a.UpdatedAt)
	if db.IsUniqueViolation(err, "accounts_pkey") {
		return ErrDuplicateCode
	}
	return err
}

func (r *txRepository) UpdateAccountActive(ctx context.Context, tenantID, code string, active bool, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE accounts SET is_active=$3, updated_at=$4 WHERE tenant_id=$1 AND code=$2`, tenantID, code, active, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *txRepository) UpdateAccountParent(ctx context.Context, tenantID, code, parentCode string, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE accounts SET parent_code=NULLIF($3,''), updated_at=$4 WHERE tenant_id=$1 AND code=$2`, tenantID, code, parentCode, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// NextEntryNumber increments the tenant counter in one statement; the row lock serialises allocators.
func (r *txRepository) NextEntryNumber(ctx context.Context, tenantID string) (int64, error) {
	var next int64
	err := r.tx.QueryRow(ctx, `INSERT INTO entry_sequences (tenant_id, last_value) VALUES ($1, 1)
ON CONFLICT (tenant_id) DO UPDATE SET last_value = entry_sequences.last_value + 1
RETURNING last_value`, tenantID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("accounting: allocate entry number: %w", err)
	}
	return next, nil
}

func (r *txRepository) InsertJournalEntry(ctx context.Context, e JournalEntry) (JournalEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (tenant_id, number, branch_id, entry_date, description, ref_kind, ref_id, reverses_id, created_by, created_at)
VALUES ($1,$2,NULLIF($3,''),$4,$5,NULLIF($6,''),NULLIF($7,''),$8,$9,$10) RETURNING id`,
		e.TenantID, e.Number, e.BranchID, e.Date, e.Description, string(e.Reference.Kind()), e.Reference.ID(), e.ReversesID, e.CreatedBy, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_journal_entries_number") {
			return JournalEntry{}, ErrNumberConflict
		}
		return JournalEntry{}, err
	}
	for i := range e.Lines {
		line := &e.Lines[i]
		line.EntryID = e.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO journal_lines (entry_id, tenant_id, account_code, branch_id, debit, credit, memo)
VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,NULLIF($7,'')) RETURNING id`,
			e.ID, e.TenantID, line.AccountCode, line.BranchID, line.Debit.Minor(), line.Credit.Minor(), line.Memo).Scan(&line.ID); err != nil {
			return JournalEntry{}, err
		}
	}
	return e, nil
}

const entryColumns = `id, tenant_id, number, COALESCE(branch_id, ''), entry_date, description, COALESCE(ref_kind, ''), COALESCE(ref_id, ''),
is_voided, voided_at, COALESCE(void_reason, ''), reversed_by_id, reverses_id, created_by, created_at`

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	var refKind, refID string
	err := row.Scan(&e.ID, &e.TenantID, &e.Number, &e.BranchID, &e.Date, &e.Description, &refKind, &refID,
		&e.Voided, &e.VoidedAt, &e.VoidReason, &e.ReversedByID, &e.ReversesID, &e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return JournalEntry{}, err
	}
	if e.Reference, err = ParseReference(refKind, refID); err != nil {
		return JournalEntry{}, err
	}
	return e, nil
}

func (r *txRepository) loadLines(ctx context.Context, entry *JournalEntry) error {
	rows, err := r.tx.Query(ctx, `SELECT id, entry_id, account_code, COALESCE(branch_id, ''), debit, credit, COALESCE(memo, '')
FROM journal_lines WHERE entry_id=$1 ORDER BY id`, entry.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var line JournalLine
		var debit, credit int64
		if err := rows.Scan(&line.ID, &line.EntryID, &line.AccountCode, &line.BranchID, &debit, &credit, &line.Memo); err != nil {
			return err
		}
		line.Debit = money.New(debit)
		line.Credit = money.New(credit)
		entry.Lines = append(entry.Lines, line)
	}
	return rows.Err()
}

func (r *txRepository) GetJournalWithLines(ctx context.Context, tenantID string, entryID int64) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return JournalEntry{}, ErrJournalNotFound
	}
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, r.loadLines(ctx, &entry)
}

func (r *txRepository) GetJournalByNumber(ctx context.Context, tenantID string, number int64) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE tenant_id=$1 AND number=$2`, tenantID, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return JournalEntry{}, ErrJournalNotFound
	}
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, r.loadLines(ctx, &entry)
}

// MarkVoided flips the voided flag only if it is still clear, so two concurrent voids cannot both succeed.
func (r *txRepository) MarkVoided(ctx context.Context, tenantID string, entryID, reversalID int64, reason string, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE journal_entries SET is_voided=TRUE, voided_at=$4, void_reason=$5, reversed_by_id=$3
WHERE tenant_id=$1 AND id=$2 AND is_voided=FALSE`, tenantID, entryID, reversalID, at, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyVoided
	}
	return nil
}

func (r *txRepository) ListJournalEntries(ctx context.Context, tenantID string, from, to time.Time) ([]JournalEntry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE tenant_id=$1 AND ($2::timestamptz IS NULL OR entry_date >= $2) AND ($3::timestamptz IS NULL OR entry_date <= $3)
ORDER BY number`, tenantID, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	var entries []JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range entries {
		if err := r.loadLines(ctx, &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (r *txRepository) ListPostings(ctx context.Context, tenantID string, filter PostingFilter) ([]Posting, error) {
	rows, err := r.tx.Query(ctx, `SELECT e.id, e.number, e.entry_date, e.description, COALESCE(e.ref_kind, ''), COALESCE(e.ref_id, ''), e.is_voided,
       l.id, l.account_code, COALESCE(l.branch_id, ''), l.debit, l.credit
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE l.tenant_id=$1
  AND ($2::text = '' OR l.account_code = $2)
  AND ($3::timestamptz IS NULL OR e.entry_date >= $3)
  AND ($4::timestamptz IS NULL OR e.entry_date <= $4)
ORDER BY e.entry_date, e.number, l.id`, tenantID, filter.AccountCode, nullTime(filter.From), nullTime(filter.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Posting
	for rows.Next() {
		var p Posting
		var refKind, refID string
		var debit, credit int64
		if err := rows.Scan(&p.EntryID, &p.EntryNumber, &p.Date, &p.Description, &refKind, &refID, &p.Voided,
			&p.LineID, &p.AccountCode, &p.BranchID, &debit, &credit); err != nil {
			return nil, err
		}
		if p.Reference, err = ParseReference(refKind, refID); err != nil {
			return nil, err
		}
		p.Debit = money.New(debit)
		p.Credit = money.New(credit)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *txRepository) SumAccount(ctx context.Context, tenantID, code string, asOf time.Time) (AccountTotals, error) {
	var debit, credit int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(l.debit), 0)::bigint, COALESCE(SUM(l.credit), 0)::bigint
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE l.tenant_id=$1 AND l.account_code=$2 AND ($3::timestamptz IS NULL OR e.entry_date <= $3)`,
		tenantID, code, nullTime(asOf)).Scan(&debit, &credit)
	if err != nil {
		return AccountTotals{}, err
	}
	return AccountTotals{Code: code, Debit: money.New(debit), Credit: money.New(credit)}, nil
}

func (r *txRepository) SumAllAccounts(ctx context.Context, tenantID string, asOf time.Time) ([]AccountTotals, error) {
	rows, err := r.tx.Query(ctx, `SELECT l.account_code, COALESCE(SUM(l.debit), 0)::bigint, COALESCE(SUM(l.credit), 0)::bigint
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
WHERE l.tenant_id=$1 AND ($2::timestamptz IS NULL OR e.entry_date <= $2)
GROUP BY l.account_code
ORDER BY l.account_code`, tenantID, nullTime(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountTotals
	for rows.Next() {
		var t AccountTotals
		var debit, credit int64
		if err := rows.Scan(&t.Code, &debit, &credit); err != nil {
			return nil, err
		}
		t.Debit = money.New(debit)
		t.Credit = money.New(credit)
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
