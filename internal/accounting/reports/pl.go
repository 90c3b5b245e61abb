package reports

import (
	"sort"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/money"
)

// ProfitAndLossAccount represents a revenue or expense account summary.
type ProfitAndLossAccount struct {
	Code   string
	Name   string
	Amount money.Amount
}

// ProfitAndLossSection groups accounts by nature.
type ProfitAndLossSection struct {
	Label    string
	Accounts []ProfitAndLossAccount
	Total    money.Amount
}

// ProfitAndLoss contains the structured output for the report.
type ProfitAndLoss struct {
	Revenue   ProfitAndLossSection
	Expense   ProfitAndLossSection
	NetIncome money.Amount
}

// BuildProfitAndLoss aggregates accounts into revenue and expense sections.
func BuildProfitAndLoss(accounts []AccountBalance) (ProfitAndLoss, error) {
	var sum accumulator
	revenue := ProfitAndLossSection{Label: "Revenue"}
	expense := ProfitAndLossSection{Label: "Expense"}

	for _, acc := range accounts {
		var section *ProfitAndLossSection
		switch acc.Type {
		case accounting.AccountTypeRevenue:
			section = &revenue
		case accounting.AccountTypeExpense:
			section = &expense
		default:
			continue
		}
		amount, err := acc.Closing()
		if err != nil {
			return ProfitAndLoss{}, err
		}
		section.Accounts = append(section.Accounts, ProfitAndLossAccount{Code: acc.Code, Name: acc.Name, Amount: amount})
		section.Total = sum.add(section.Total, amount)
	}

	sort.Slice(revenue.Accounts, func(i, j int) bool { return revenue.Accounts[i].Code < revenue.Accounts[j].Code })
	sort.Slice(expense.Accounts, func(i, j int) bool { return expense.Accounts[i].Code < expense.Accounts[j].Code })

	net := sum.sub(revenue.Total, expense.Total)
	if sum.err != nil {
		return ProfitAndLoss{}, sum.err
	}
	return ProfitAndLoss{
		Revenue:   revenue,
		Expense:   expense,
		NetIncome: net,
	}, nil
}
