package notify

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatAmount は通知文面用の金額表記（桁区切り付き）を作る。例: "1,234.56 USD"
func FormatAmount(currency string, amount decimal.Decimal) string {
	f, _ := amount.Float64()
	cur := strings.ToUpper(currency)
	if cur == "" {
		cur = "USD"
	}
	return printer.Sprintf("%.2f %s", f, cur)
}
