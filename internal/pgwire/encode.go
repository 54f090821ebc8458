package pgwire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ryrobes/larsql-sub001/internal/query"
	"github.com/ryrobes/larsql-sub001/internal/sqlrewrite"
)

// PostgreSQL type OIDs for the wire-visible types the engine produces.
const (
	oidBool    = 16
	oidInt8    = 20
	oidInt4    = 23
	oidText    = 25
	oidFloat8  = 701
	oidBytea   = 17
	oidTimestamp = 1114
)

// rowDescription derives field descriptions from the buffered result.
// Column types are inferred from the first row's Go values; an empty
// result describes every column as text, which clients accept.
func rowDescription(rs *query.ResultSet, resultFormats []int16) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(rs.Columns))
	for i, name := range rs.Columns {
		oid, size := uint32(oidText), int16(-1)
		if len(rs.Rows) > 0 {
			oid, size = oidOf(rs.Rows[0][i])
		}
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  oid,
			DataTypeSize: size,
			TypeModifier: -1,
			Format:       formatFor(resultFormats, i),
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func oidOf(v any) (uint32, int16) {
	switch v.(type) {
	case bool:
		return oidBool, 1
	case int32:
		return oidInt4, 4
	case int, int64:
		return oidInt8, 8
	case float32, float64:
		return oidFloat8, 8
	case time.Time:
		return oidTimestamp, 8
	case []byte:
		return oidBytea, -1
	default:
		return oidText, -1
	}
}

// formatFor resolves the result format for column i per the Bind message's
// format-code rules: none means text, one applies to all, otherwise
// per-column.
func formatFor(resultFormats []int16, i int) int16 {
	switch len(resultFormats) {
	case 0:
		return 0
	case 1:
		return resultFormats[0]
	default:
		if i < len(resultFormats) {
			return resultFormats[i]
		}
		return 0
	}
}

// encodeValue renders one value in the requested format. A nil value is a
// SQL NULL regardless of format.
func encodeValue(v any, format int16) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if format == 1 {
		return encodeBinary(v)
	}
	return []byte(textValue(v)), nil
}

func textValue(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "t"
		}
		return "f"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case time.Time:
		return t.UTC().Format("2006-01-02 15:04:05.999999")
	case []byte:
		return `\x` + fmt.Sprintf("%x", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func encodeBinary(v any) ([]byte, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case int32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(t))
		return buf, nil
	case int:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(int64(t)))
		return buf, nil
	case int64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(t))
		return buf, nil
	case float64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(t))
		return buf, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("pgwire: no binary encoding for %T", v)
	}
}

// substituteParams inlines decoded Bind parameters into the statement's $N
// placeholders. Both text and binary parameter formats are supported;
// binary widths 2/4/8 decode as big-endian integers.
func substituteParams(sql string, params [][]byte, formats []int16) (string, error) {
	if len(params) == 0 {
		return sql, nil
	}
	literals := make([]string, len(params))
	for i, p := range params {
		lit, err := paramLiteral(p, formatFor(formats, i))
		if err != nil {
			return "", fmt.Errorf("pgwire: parameter $%d: %w", i+1, err)
		}
		literals[i] = lit
	}

	toks := sqlrewrite.Tokenize(sql)
	var out strings.Builder
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.Kind == sqlrewrite.TokSymbol && t.Text == "$" && i+1 < len(toks) && toks[i+1].Kind == sqlrewrite.TokNumber {
			n, err := strconv.Atoi(toks[i+1].Text)
			if err == nil && n >= 1 && n <= len(literals) {
				out.WriteString(literals[n-1])
				i++
				continue
			}
		}
		out.WriteString(t.Text)
	}
	return out.String(), nil
}

func paramLiteral(p []byte, format int16) (string, error) {
	if p == nil {
		return "NULL", nil
	}
	if format == 1 {
		switch len(p) {
		case 2:
			return strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(p))), 10), nil
		case 4:
			return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(p))), 10), nil
		case 8:
			return strconv.FormatInt(int64(binary.BigEndian.Uint64(p)), 10), nil
		case 1:
			if p[0] == 0 {
				return "false", nil
			}
			return "true", nil
		default:
			return "", fmt.Errorf("unsupported binary parameter width %d", len(p))
		}
	}
	return sqlrewrite.QuoteString(string(p)), nil
}
