package sqlexec

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReprValue(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		dbType string
		want   string
	}{
		{"nil", nil, "", "None"},
		{"true", true, "", "True"},
		{"false", false, "", "False"},
		{"int", int64(42), "", "42"},
		{"negative", int64(-7), "", "-7"},
		{"whole float", 1.0, "", "1.0"},
		{"fraction", 1234.56, "", "1234.56"},
		{"large float", 1e16, "", "1e+16"},
		{"small float", 0.00001, "", "1e-05"},
		{"nan", math.NaN(), "", "nan"},
		{"string", "Savings", "", "'Savings'"},
		{"apostrophe", "O'Brien", "", `"O'Brien"`},
		{"both quotes", `it's "x"`, "", `'it\'s "x"'`},
		{"newline", "a\nb", "", `'a\nb'`},
		{"backslash", `a\b`, "", `'a\\b'`},
		{"unicode", "Zoë", "", "'Zoë'"},
		{"bytes", []byte("ab\x00"), "", `b'ab\x00'`},
		{"decimal", []byte("12.50"), "NUMERIC", "Decimal('12.50')"},
		{"date", time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC), "DATE", "datetime.date(1990, 5, 17)"},
		{"datetime", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "TIMESTAMP", "datetime.datetime(2024, 1, 2, 3, 4, 5)"},
		{"datetime minutes", time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC), "", "datetime.datetime(2024, 1, 2, 3, 4)"},
		{"datetime micros", time.Date(2024, 1, 2, 3, 4, 0, 1500, time.UTC), "", "datetime.datetime(2024, 1, 2, 3, 4, 0, 1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reprValue(tt.in, tt.dbType))
		})
	}
}

func TestReprList(t *testing.T) {
	assert.Equal(t, "['a', 'b']", reprList([]string{"a", "b"}))
	assert.Equal(t, "[]", reprList(nil))
}

func TestReprTuple(t *testing.T) {
	assert.Equal(t, "(1,)", reprTuple([]any{int64(1)}, nil))
	assert.Equal(t, "(1, None)", reprTuple([]any{int64(1), nil}, nil))
}
