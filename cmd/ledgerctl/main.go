package main

import "github.com/odyssey-erp/odyssey-ledger/cmd/ledgerctl/cli"

func main() {
	cli.Execute()
}
