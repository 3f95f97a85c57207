// Package schema provides the canonical data structures for synchronized ledger entries.
package schema

import (
	"fmt"
	"strings"
)

// Kind identifies one of the two independent ledger namespaces.
type Kind string

const (
	// Payable holds accounts payable (contas a pagar).
	Payable Kind = "payable"
	// Receivable holds accounts receivable (contas a receber).
	Receivable Kind = "receivable"
)

// Kinds lists every ledger kind in synchronization order.
var Kinds = []Kind{Payable, Receivable}

// ParseKind accepts the English or Portuguese name of a ledger kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "payable", "pagar", "contaspagar":
		return Payable, nil
	case "receivable", "receber", "contasreceber":
		return Receivable, nil
	default:
		return "", fmt.Errorf("unknown ledger kind %q (want payable or receivable)", s)
	}
}

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is a known ledger kind.
func (k Kind) Valid() bool {
	return k == Payable || k == Receivable
}

// Table returns the local table that stores this kind.
func (k Kind) Table() string {
	return string(k)
}

// LegacyResource returns the v2 endpoint resource name.
func (k Kind) LegacyResource() string {
	if k == Receivable {
		return "contasreceber"
	}
	return "contaspagar"
}

// LegacyListKey returns the key of the item list inside a v2 "retorno" wrapper.
func (k Kind) LegacyListKey() string {
	return k.LegacyResource()
}

// LegacyItemKey returns the key wrapping each item inside the v2 list.
func (k Kind) LegacyItemKey() string {
	if k == Receivable {
		return "contareceber"
	}
	return "contapagar"
}

// Resource returns the v3 endpoint path below the API base.
func (k Kind) Resource() string {
	if k == Receivable {
		return "contas/receber"
	}
	return "contas/pagar"
}

// counterpartyKey returns the v2 object that carries the counterparty
// (supplier for payables, customer for receivables).
func (k Kind) counterpartyKey() string {
	if k == Receivable {
		return "cliente"
	}
	return "fornecedor"
}
