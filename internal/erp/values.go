package erp

import (
	"time"

	"github.com/shopspring/decimal"
)

// DatetimeLayout is how the ERP stores datetimes: naive, always UTC.
const DatetimeLayout = "2006-01-02 15:04:05"

// Values is the field map sent to create and write.
type Values map[string]any

// formatValue converts Go values into what the ERP ORM accepts over JSON.
func formatValue(v any) any {
	switch val := v.(type) {
	case decimal.Decimal:
		f, _ := val.Float64()
		return f
	case *decimal.Decimal:
		if val == nil {
			return false
		}
		f, _ := val.Float64()
		return f
	case time.Time:
		if val.IsZero() {
			return false
		}
		return val.UTC().Format(DatetimeLayout)
	case Values:
		return val.format()
	case []Values:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = child.format()
		}
		return out
	case nil:
		return false
	default:
		return val
	}
}

func (v Values) format() map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = formatValue(val)
	}
	return out
}

// CreateLine is the (0, 0, values) command that creates a one2many child.
func CreateLine(values Values) []any {
	return []any{0, 0, values.format()}
}
