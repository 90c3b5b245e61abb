package reports

import (
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
)

// AccountBalance models a general ledger account with aggregated postings.
type AccountBalance struct {
	Code   string
	Name   string
	Type   accounting.AccountType
	Debit  money.Amount
	Credit money.Amount
}

// Closing computes the balance on the account's normal side.
func (a AccountBalance) Closing() (money.Amount, error) {
	return accounting.SignedBalance(a.Type, a.Debit, a.Credit)
}

// GroupKey returns a key used for grouping trial balance rows.
func (a AccountBalance) GroupKey() string {
	if idx := strings.IndexAny(a.Code, ".-"); idx > 0 {
		return a.Code[:idx]
	}
	if len(a.Code) >= 2 {
		return a.Code[:2]
	}
	return a.Code
}

// TrialBalanceAccount represents a row inside a trial balance group.
// Exactly one of NetDebit and NetCredit is non-zero unless the account is flat.
type TrialBalanceAccount struct {
	Code      string
	Name      string
	Type      accounting.AccountType
	Debit     money.Amount
	Credit    money.Amount
	NetDebit  money.Amount
	NetCredit money.Amount
	Balance   money.Amount
}

// TrialBalanceGroup aggregates accounts for presentation.
type TrialBalanceGroup struct {
	Key       string
	Accounts  []TrialBalanceAccount
	Debit     money.Amount
	Credit    money.Amount
	NetDebit  money.Amount
	NetCredit money.Amount
}

// TrialBalance is the structure handed to formatting collaborators.
type TrialBalance struct {
	Groups         []TrialBalanceGroup
	TotalDebit     money.Amount
	TotalCredit    money.Amount
	TotalNetDebit  money.Amount
	TotalNetCredit money.Amount
}

// Balanced reports whether posted debits equal posted credits.
func (tb TrialBalance) Balanced() bool {
	return tb.TotalDebit.Equal(tb.TotalCredit) && tb.TotalNetDebit.Equal(tb.TotalNetCredit)
}

// BuildTrialBalance converts account balances into grouped trial balance data.
func BuildTrialBalance(accounts []AccountBalance) (TrialBalance, error) {
	var sum accumulator
	groups := make(map[string]*TrialBalanceGroup)
	keys := make([]string, 0)
	for _, acc := range accounts {
		key := acc.GroupKey()
		grp, ok := groups[key]
		if !ok {
			grp = &TrialBalanceGroup{Key: key}
			groups[key] = grp
			keys = append(keys, key)
		}
		net := sum.sub(acc.Debit, acc.Credit)
		row := TrialBalanceAccount{
			Code:   acc.Code,
			Name:   acc.Name,
			Type:   acc.Type,
			Debit:  acc.Debit,
			Credit: acc.Credit,
		}
		if net.IsNegative() {
			row.NetCredit = sum.sub(money.Zero, net)
		} else {
			row.NetDebit = net
		}
		balance, err := acc.Closing()
		if err != nil {
			return TrialBalance{}, err
		}
		row.Balance = balance
		grp.Accounts = append(grp.Accounts, row)
		grp.Debit = sum.add(grp.Debit, row.Debit)
		grp.Credit = sum.add(grp.Credit, row.Credit)
		grp.NetDebit = sum.add(grp.NetDebit, row.NetDebit)
		grp.NetCredit = sum.add(grp.NetCredit, row.NetCredit)
	}

	sort.Strings(keys)
	result := TrialBalance{}
	for _, key := range keys {
		grp := groups[key]
		sort.Slice(grp.Accounts, func(i, j int) bool {
			return grp.Accounts[i].Code < grp.Accounts[j].Code
		})
		result.Groups = append(result.Groups, *grp)
		result.TotalDebit = sum.add(result.TotalDebit, grp.Debit)
		result.TotalCredit = sum.add(result.TotalCredit, grp.Credit)
		result.TotalNetDebit = sum.add(result.TotalNetDebit, grp.NetDebit)
		result.TotalNetCredit = sum.add(result.TotalNetCredit, grp.NetCredit)
	}
	if sum.err != nil {
		return TrialBalance{}, sum.err
	}
	return result, nil
}

// accumulator keeps the first overflow so builders can check once.
type accumulator struct {
	err error
}

func (a *accumulator) add(x, y money.Amount) money.Amount {
	if a.err != nil {
		return x
	}
	out, err := x.Add(y)
	if err != nil {
		a.err = err
		return x
	}
	return out
}

func (a *accumulator) sub(x, y money.Amount) money.Amount {
	if a.err != nil {
		return x
	}
	out, err := x.Subtract(y)
	if err != nil {
		a.err = err
		return x
	}
	return out
}
