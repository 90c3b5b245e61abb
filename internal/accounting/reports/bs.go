package reports

import (
	"sort"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
)

// BalanceSheetAccount summarises an account for assets, liabilities, or equity.
type BalanceSheetAccount struct {
	Code    string
	Name    string
	Balance money.Amount
}

// BalanceSheetSection contains the accounts and totals for a classification.
type BalanceSheetSection struct {
	Label    string
	Accounts []BalanceSheetAccount
	Total    money.Amount
}

// BalanceSheet is the structured response for the balance sheet report.
// Unclosed revenue and expense net into CurrentEarnings so the sheet balances before year end.
type BalanceSheet struct {
	Assets                    BalanceSheetSection
	Liabilities               BalanceSheetSection
	Equity                    BalanceSheetSection
	CurrentEarnings           money.Amount
	TotalLiabilitiesAndEquity money.Amount
}

// Balanced reports assets == liabilities + equity + current earnings.
func (bs BalanceSheet) Balanced() bool {
	return bs.Assets.Total.Equal(bs.TotalLiabilitiesAndEquity)
}

// BuildBalanceSheet aggregates balances into assets, liabilities, and equity sections.
func BuildBalanceSheet(accounts []AccountBalance) (BalanceSheet, error) {
	var sum accumulator
	assets := BalanceSheetSection{Label: "Assets"}
	liabilities := BalanceSheetSection{Label: "Liabilities"}
	equity := BalanceSheetSection{Label: "Equity"}

	pl, err := BuildProfitAndLoss(accounts)
	if err != nil {
		return BalanceSheet{}, err
	}

	for _, acc := range accounts {
		var section *BalanceSheetSection
		switch acc.Type {
		case accounting.AccountTypeAsset:
			section = &assets
		case accounting.AccountTypeLiability:
			section = &liabilities
		case accounting.AccountTypeEquity:
			section = &equity
		default:
			continue
		}
		balance, err := acc.Closing()
		if err != nil {
			return BalanceSheet{}, err
		}
		section.Accounts = append(section.Accounts, BalanceSheetAccount{Code: acc.Code, Name: acc.Name, Balance: balance})
		section.Total = sum.add(section.Total, balance)
	}

	sort.Slice(assets.Accounts, func(i, j int) bool { return assets.Accounts[i].Code < assets.Accounts[j].Code })
	sort.Slice(liabilities.Accounts, func(i, j int) bool { return liabilities.Accounts[i].Code < liabilities.Accounts[j].Code })
	sort.Slice(equity.Accounts, func(i, j int) bool { return equity.Accounts[i].Code < equity.Accounts[j].Code })

	total := sum.add(sum.add(liabilities.Total, equity.Total), pl.NetIncome)
	if sum.err != nil {
		return BalanceSheet{}, sum.err
	}
	return BalanceSheet{
		Assets:                    assets,
		Liabilities:               liabilities,
		Equity:                    equity,
		CurrentEarnings:           pl.NetIncome,
		TotalLiabilitiesAndEquity: total,
	}, nil
}
