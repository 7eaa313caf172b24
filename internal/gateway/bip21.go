package gateway

import (
	"fmt"
	"net/url"
)

// BuildBIP21 formats a BIP21 bitcoin: URI: "bitcoin:{address}?amount=
// {btc8}[&label={pct}][&message={pct}]", where btc8 is sats/1e8 formatted
// with exactly eight decimal places.
func BuildBIP21(address string, amountSats int64, label, message string) string {
	whole := amountSats / 100_000_000
	frac := amountSats % 100_000_000
	if frac < 0 {
		frac = -frac
	}
	amountStr := fmt.Sprintf("%d.%08d", whole, frac)

	uri := fmt.Sprintf("bitcoin:%s?amount=%s", address, amountStr)
	if label != "" {
		uri += "&label=" + url.QueryEscape(label)
	}
	if message != "" {
		uri += "&message=" + url.QueryEscape(message)
	}
	return uri
}
