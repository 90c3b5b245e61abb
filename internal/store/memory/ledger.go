package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

type ledgerTx struct{ st *state }

func (t ledgerTx) GetAccount(_ context.Context, tenantID, code string) (accounting.Account, error) {
	acc, ok := t.st.accounts[accountKey{tenant: tenantID, code: code}]
	if !ok {
		return accounting.Account{}, accounting.ErrAccountNotFound
	}
	return acc, nil
}

func (t ledgerTx) ListAccounts(_ context.Context, tenantID string) ([]accounting.Account, error) {
	var out []accounting.Account
	for key, acc := range t.st.accounts {
		if key.tenant == tenantID {
			out = append(out, acc)
		}
	}
	slices.SortFunc(out, func(a, b accounting.Account) int { return strings.Compare(a.Code, b.Code) })
	return out, nil
}

func (t ledgerTx) InsertAccount(_ context.Context, acc accounting.Account) error {
	key := accountKey{tenant: acc.TenantID, code: acc.Code}
	if _, ok := t.st.accounts[key]; ok {
		return accounting.ErrDuplicateCode
	}
	if acc.ParentCode != "" {
		if _, ok := t.st.accounts[accountKey{tenant: acc.TenantID, code: acc.ParentCode}]; !ok {
			return accounting.ErrInvalidParent
		}
	}
	t.st.accounts[key] = acc
	return nil
}

func (t ledgerTx) UpdateAccountActive(_ context.Context, tenantID, code string, active bool, at time.Time) error {
	key := accountKey{tenant: tenantID, code: code}
	acc, ok := t.st.accounts[key]
	if !ok {
		return accounting.ErrAccountNotFound
	}
	acc.IsActive = active
	acc.UpdatedAt = at
	t.st.accounts[key] = acc
	return nil
}

func (t ledgerTx) UpdateAccountParent(_ context.Context, tenantID, code, parentCode string, at time.Time) error {
	key := accountKey{tenant: tenantID, code: code}
	acc, ok := t.st.accounts[key]
	if !ok {
		return accounting.ErrAccountNotFound
	}
	acc.ParentCode = parentCode
	acc.UpdatedAt = at
	t.st.accounts[key] = acc
	return nil
}

func (t ledgerTx) NextEntryNumber(_ context.Context, tenantID string) (int64, error) {
	t.st.sequences[tenantID]++
	return t.st.sequences[tenantID], nil
}

func (t ledgerTx) InsertJournalEntry(_ context.Context, e accounting.JournalEntry) (accounting.JournalEntry, error) {
	for _, existing := range t.st.entries {
		if existing.TenantID == e.TenantID && existing.Number == e.Number {
			return accounting.JournalEntry{}, accounting.ErrNumberConflict
		}
	}
	for _, line := range e.Lines {
		if _, ok := t.st.accounts[accountKey{tenant: e.TenantID, code: line.AccountCode}]; !ok {
			return accounting.JournalEntry{}, accounting.ErrUnknownAccount
		}
	}
	e.ID = int64(len(t.st.entries) + 1)
	lines := make([]accounting.JournalLine, len(e.Lines))
	for i, line := range e.Lines {
		t.st.lineSeq++
		line.ID = t.st.lineSeq
		line.EntryID = e.ID
		lines[i] = line
	}
	e.Lines = lines
	t.st.entries = append(t.st.entries, e)
	return copyEntry(e), nil
}

func (t ledgerTx) entry(tenantID string, id int64) (*accounting.JournalEntry, bool) {
	if id <= 0 || id > int64(len(t.st.entries)) {
		return nil, false
	}
	e := &t.st.entries[id-1]
	if e.TenantID != tenantID {
		return nil, false
	}
	return e, true
}

func (t ledgerTx) GetJournalWithLines(_ context.Context, tenantID string, entryID int64) (accounting.JournalEntry, error) {
	e, ok := t.entry(tenantID, entryID)
	if !ok {
		return accounting.JournalEntry{}, accounting.ErrJournalNotFound
	}
	return copyEntry(*e), nil
}

func (t ledgerTx) GetJournalByNumber(_ context.Context, tenantID string, number int64) (accounting.JournalEntry, error) {
	for _, e := range t.st.entries {
		if e.TenantID == tenantID && e.Number == number {
			return copyEntry(e), nil
		}
	}
	return accounting.JournalEntry{}, accounting.ErrJournalNotFound
}

func (t ledgerTx) MarkVoided(_ context.Context, tenantID string, entryID, reversalID int64, reason string, at time.Time) error {
	e, ok := t.entry(tenantID, entryID)
	if !ok {
		return accounting.ErrJournalNotFound
	}
	if e.Voided {
		return accounting.ErrAlreadyVoided
	}
	e.Voided = true
	e.VoidedAt = &at
	e.VoidReason = reason
	e.ReversedByID = &reversalID
	return nil
}

func (t ledgerTx) ListJournalEntries(_ context.Context, tenantID string, from, to time.Time) ([]accounting.JournalEntry, error) {
	var out []accounting.JournalEntry
	for _, e := range t.st.entries {
		if e.TenantID == tenantID && within(e.Date, from, to) {
			out = append(out, copyEntry(e))
		}
	}
	slices.SortFunc(out, func(a, b accounting.JournalEntry) int { return cmp.Compare(a.Number, b.Number) })
	return out, nil
}

func (t ledgerTx) ListPostings(_ context.Context, tenantID string, filter accounting.PostingFilter) ([]accounting.Posting, error) {
	var out []accounting.Posting
	for _, e := range t.st.entries {
		if e.TenantID != tenantID || !within(e.Date, filter.From, filter.To) {
			continue
		}
		for _, line := range e.Lines {
			if filter.AccountCode != "" && line.AccountCode != filter.AccountCode {
				continue
			}
			out = append(out, accounting.Posting{
				EntryID:     e.ID,
				EntryNumber: e.Number,
				Date:        e.Date,
				Description: e.Description,
				Reference:   e.Reference,
				Voided:      e.Voided,
				LineID:      line.ID,
				AccountCode: line.AccountCode,
				BranchID:    line.BranchID,
				Debit:       line.Debit,
				Credit:      line.Credit,
			})
		}
	}
	slices.SortFunc(out, func(a, b accounting.Posting) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		if c := cmp.Compare(a.EntryNumber, b.EntryNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.LineID, b.LineID)
	})
	return out, nil
}

func (t ledgerTx) SumAccount(_ context.Context, tenantID, code string, asOf time.Time) (accounting.AccountTotals, error) {
	totals, err := t.sum(tenantID, asOf)
	if err != nil {
		return accounting.AccountTotals{}, err
	}
	row, ok := totals[code]
	if !ok {
		return accounting.AccountTotals{Code: code}, nil
	}
	return row, nil
}

func (t ledgerTx) SumAllAccounts(_ context.Context, tenantID string, asOf time.Time) ([]accounting.AccountTotals, error) {
	totals, err := t.sum(tenantID, asOf)
	if err != nil {
		return nil, err
	}
	out := make([]accounting.AccountTotals, 0, len(totals))
	for _, row := range totals {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b accounting.AccountTotals) int { return strings.Compare(a.Code, b.Code) })
	return out, nil
}

func (t ledgerTx) sum(tenantID string, asOf time.Time) (map[string]accounting.AccountTotals, error) {
	totals := make(map[string]accounting.AccountTotals)
	for _, e := range t.st.entries {
		if e.TenantID != tenantID || !within(e.Date, time.Time{}, asOf) {
			continue
		}
		for _, line := range e.Lines {
			row := totals[line.AccountCode]
			row.Code = line.AccountCode
			var err error
			if row.Debit, err = row.Debit.Add(line.Debit); err != nil {
				return nil, err
			}
			if row.Credit, err = row.Credit.Add(line.Credit); err != nil {
				return nil, err
			}
			totals[line.AccountCode] = row
		}
	}
	return totals, nil
}

func copyEntry(e accounting.JournalEntry) accounting.JournalEntry {
	e.Lines = slices.Clone(e.Lines)
	return e
}

// within reports from <= t <= to; zero bounds are open.
func within(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
