package money

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatKnownCurrency(t *testing.T) {
	out := Format("usd", 1234.5)
	assert.True(t, strings.Contains(out, "1,234"), out)
	assert.NotContains(t, out, "usd")
}

func TestFormatUnknownCurrencyFallsBack(t *testing.T) {
	out := Format("XYZ1", 10)
	assert.True(t, strings.HasSuffix(out, "XYZ1"), out)
	assert.True(t, strings.HasPrefix(out, "10.00"), out)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "10%", Percent(10))
	assert.Equal(t, "12.5%", Percent(12.5))
	assert.Equal(t, "0%", Percent(0))
}
