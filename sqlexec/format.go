package sqlexec

import (
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Results are rendered in Python literal notation (lists of tuples, None,
// True/False, quoted strings) because that is the shape the prompts and
// stored conversations already expect.

func reprList(items []string) string {
	parts := make([]string, len(items))
	for i, s := range items {
		parts[i] = reprString(s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func reprRows(rows [][]any, columns []*sql.ColumnType) string {
	parts := make([]string, len(rows))
	for i, row := range rows {
		parts[i] = reprTuple(row, columns)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func reprTuple(row []any, columns []*sql.ColumnType) string {
	parts := make([]string, len(row))
	for i, v := range row {
		dbType := ""
		if i < len(columns) && columns[i] != nil {
			dbType = columns[i].DatabaseTypeName()
		}
		parts[i] = reprValue(v, dbType)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func reprValue(v any, dbType string) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return reprFloat(t)
	case float32:
		return reprFloat(float64(t))
	case string:
		return reprString(t)
	case []byte:
		// Drivers hand textual NUMERIC/DECIMAL values back as bytes.
		if isNumericType(dbType) {
			return "Decimal(" + reprString(string(t)) + ")"
		}
		return reprBytes(t)
	case time.Time:
		if strings.EqualFold(dbType, "DATE") {
			return fmt.Sprintf("datetime.date(%d, %d, %d)", t.Year(), int(t.Month()), t.Day())
		}
		return reprDatetime(t)
	case fmt.Stringer:
		return reprString(t.String())
	default:
		return reprString(fmt.Sprint(t))
	}
}

func isNumericType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "NUMERIC", "DECIMAL", "NUMBER":
		return true
	}
	return false
}

// reprFloat follows Python's float repr: shortest round-trip digits,
// always a decimal point, exponent outside [1e-4, 1e16).
func reprFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

func reprDatetime(t time.Time) string {
	fields := []int{t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute()}
	micro := t.Nanosecond() / 1000
	if t.Second() != 0 || micro != 0 {
		fields = append(fields, t.Second())
	}
	if micro != 0 {
		fields = append(fields, micro)
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strconv.Itoa(f)
	}
	return "datetime.datetime(" + strings.Join(parts, ", ") + ")"
}

// reprString quotes s with single quotes unless it contains a single quote
// and no double quote.
func reprString(s string) string {
	quote := '\''
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}

	var sb strings.Builder
	sb.WriteRune(quote)
	for _, r := range s {
		switch {
		case r == quote || r == '\\':
			sb.WriteRune('\\')
			sb.WriteRune(r)
		case r == '\n':
			sb.WriteString(`\n`)
		case r == '\r':
			sb.WriteString(`\r`)
		case r == '\t':
			sb.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, r)
		case !unicode.IsPrint(r) && r > 0x7f:
			if r <= 0xffff {
				fmt.Fprintf(&sb, `\u%04x`, r)
			} else {
				fmt.Fprintf(&sb, `\U%08x`, r)
			}
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteRune(quote)
	return sb.String()
}

func reprBytes(b []byte) string {
	quote := byte('\'')
	if strings.IndexByte(string(b), '\'') >= 0 && strings.IndexByte(string(b), '"') < 0 {
		quote = '"'
	}

	var sb strings.Builder
	sb.WriteString("b")
	sb.WriteByte(quote)
	for _, c := range b {
		switch {
		case c == quote || c == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, c)
		default:
			sb.WriteByte(c)
		}
	}
	sb.WriteByte(quote)
	return sb.String()
}
