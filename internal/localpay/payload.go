package localpay

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Intent is a decoded scan awaiting the user's approval.
type Intent struct {
	Merchant   string `json:"merchant"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Reference  string `json:"reference"`
	Structured bool   `json:"structured"`
}

// Parse turns a scanned payload into an Intent and never fails. A JSON object
// supplies merchant, amount and currency field by field; anything else is
// kept as an opaque reference with the configured defaults.
func (r *Reconciler) Parse(payload string) Intent {
	text := strings.TrimSpace(payload)
	if !gjson.Valid(text) {
		return r.fallback(payload)
	}
	doc := gjson.Parse(text)
	if !doc.IsObject() {
		return r.fallback(payload)
	}

	in := Intent{
		Merchant:   strings.TrimSpace(doc.Get("merchant").String()),
		Amount:     r.amount(doc.Get("amount")),
		Currency:   strings.TrimSpace(doc.Get("currency").String()),
		Reference:  payload,
		Structured: true,
	}
	if in.Merchant == "" {
		in.Merchant = UnknownMerchant
	}
	if in.Currency == "" {
		in.Currency = r.defaults.Currency
	}
	return in
}

func (r *Reconciler) fallback(payload string) Intent {
	return Intent{
		Merchant:  r.defaults.Merchant,
		Amount:    r.defaults.Amount,
		Currency:  r.defaults.Currency,
		Reference: payload,
	}
}

// amount accepts a JSON number or numeric string; anything else is zero.
func (r *Reconciler) amount(v gjson.Result) string {
	var raw string
	switch v.Type {
	case gjson.Number:
		raw = v.Raw
	case gjson.String:
		raw = v.Str
	default:
		return "0"
	}
	normalized, err := r.codec.Normalize(strings.TrimSpace(raw))
	if err != nil {
		return "0"
	}
	return normalized
}
