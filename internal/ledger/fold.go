package ledger

import "github.com/example/tripledger/internal/money"

// Fold computes Σcredit − Σdebit over non-informational entries. It is the
// O(n) definition of an agent balance; stores serve a materialized value that
// must always agree with it.
func Fold(entries []Entry) money.Money {
	var total money.Money
	for _, e := range entries {
		total = total.Add(e.Signed())
	}
	return total
}

// FoldByAgent folds entries into one balance per agent.
func FoldByAgent(entries []Entry) map[string]money.Money {
	out := make(map[string]money.Money)
	for _, e := range entries {
		out[e.AgentID] = out[e.AgentID].Add(e.Signed())
	}
	return out
}
