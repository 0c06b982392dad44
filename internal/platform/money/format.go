package money

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Format renders an amount with its ISO currency code using English digit
// grouping. Unknown codes fall back to "<amount> <code>".
func Format(code string, amount float64) string {
	return FormatIn(language.English, code, amount)
}

// FormatIn is Format for an explicit locale.
func FormatIn(tag language.Tag, code string, amount float64) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	p := message.NewPrinter(tag)
	unit, err := currency.ParseISO(code)
	if err != nil {
		return p.Sprintf("%.2f %s", amount, code)
	}
	return p.Sprint(currency.Symbol(unit.Amount(amount)))
}

// Percent renders a percentage with up to two decimals.
func Percent(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s + "%"
}
