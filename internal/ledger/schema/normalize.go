package schema

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Field fallbacks, most specific first. v3 names come before the v2 ones.
var (
	externalIDPaths  = []string{"id", "numero", "idLancamento"}
	documentNumPaths = []string{"numeroDocumento", "numero"}
	descriptionPaths = []string{"descricao", "historico"}
	amountPaths      = []string{"valor", "valorTitulo"}
	issueDatePaths   = []string{"dataEmissao", "data"}
	dueDatePaths     = []string{"dataVencimento", "vencimento", "dataVencimentoOriginal"}
	paymentDatePaths = []string{"dataPagamento"}
	statusPaths      = []string{"situacao", "situacaoTitulo", "status"}
)

// Normalize maps one remote item of the given kind onto a CanonicalRecord.
//
// It never fails: missing or malformed fields become empty strings or a zero
// amount, and the original item is always kept in RawPayload.
func Normalize(raw json.RawMessage, kind Kind) CanonicalRecord {
	rec := CanonicalRecord{
		Amount:     decimal.Zero,
		RawPayload: compact(raw),
	}
	if !gjson.ValidBytes(raw) {
		return rec
	}
	item := gjson.ParseBytes(raw)
	if !item.IsObject() {
		return rec
	}

	cp := kind.counterpartyKey()
	idField := "id" + strings.ToUpper(cp[:1]) + cp[1:] // idFornecedor, idCliente

	rec.ExternalID = firstString(item, externalIDPaths...)
	rec.DocumentNumber = firstString(item, documentNumPaths...)
	rec.Description = firstString(item, descriptionPaths...)
	rec.Category = category(item.Get("categoria"))
	rec.CounterpartyID = firstString(item, "contato.id", cp+"."+idField, cp+".id")
	rec.CounterpartyName = firstString(item, "contato.nome", cp+".nome")
	rec.Amount = firstAmount(item, amountPaths...)
	rec.IssueDate = firstString(item, issueDatePaths...)
	rec.DueDate = firstString(item, dueDatePaths...)
	rec.PaymentDate = firstString(item, paymentDatePaths...)
	rec.Status = status(item)

	return rec
}

// firstString returns the first non-empty scalar found at paths.
func firstString(item gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := scalar(item.Get(p)); s != "" {
			return s
		}
	}
	return ""
}

func scalar(r gjson.Result) string {
	switch r.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return strings.TrimSpace(r.String())
	default:
		return ""
	}
}

// category accepts either {"id":..,"descricao":".."} or a bare string.
func category(r gjson.Result) string {
	if r.IsObject() {
		return scalar(r.Get("descricao"))
	}
	return scalar(r)
}

func status(item gjson.Result) string {
	for _, p := range statusPaths {
		r := item.Get(p)
		if r.IsObject() {
			if s := firstString(r, "valor", "id", "descricao"); s != "" {
				return s
			}
			continue
		}
		if s := scalar(r); s != "" {
			return s
		}
	}
	return ""
}

// firstAmount parses the first field that holds a numeric-looking value.
func firstAmount(item gjson.Result, paths ...string) decimal.Decimal {
	for _, p := range paths {
		if d, ok := parseAmount(item.Get(p)); ok {
			return d
		}
	}
	return decimal.Zero
}

func parseAmount(r gjson.Result) (decimal.Decimal, bool) {
	var s string
	switch r.Type {
	case gjson.Number:
		s = r.Raw
	case gjson.String:
		s = numericText(r.Str)
	default:
		return decimal.Zero, false
	}
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// numericText rewrites "R$ 1.234,56" style amounts into "1234.56".
// The right-most of '.' or ',' is taken as the decimal separator.
func numericText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return ""
	}

	dot := strings.LastIndex(s, ".")
	comma := strings.LastIndex(s, ",")
	switch {
	case dot >= 0 && comma >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case comma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}
	return s
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		out := make(json.RawMessage, len(raw))
		copy(out, raw)
		return out
	}
	return json.RawMessage(buf.Bytes())
}
