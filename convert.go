package snowflake

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// timezoneBias is added to UTC offsets (in minutes) in TIMESTAMP_TZ values.
const timezoneBias = 1440

var pow10 = [...]int64{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000, 1000000000}

// convertJSONValue decodes one JSON rowset cell. Cells are strings in the
// warehouse's canonical text form; nil means NULL.
func convertJSONValue(cell *string, col Column) (any, error) {
	if cell == nil {
		return nil, nil
	}
	s := *cell

	switch strings.ToLower(col.Type) {
	case "fixed":
		if col.Scale == 0 {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i, nil
			}
			// NUMBER(38,0) values beyond int64 keep their exact text
			if _, ok := new(big.Int).SetString(s, 10); ok {
				return s, nil
			}
			return nil, fmt.Errorf("invalid FIXED value %q", s)
		}
		if _, ok := new(big.Rat).SetString(s); !ok {
			return nil, fmt.Errorf("invalid FIXED value %q", s)
		}
		return s, nil

	case "real":
		return strconv.ParseFloat(s, 64)

	case "boolean":
		return strconv.ParseBool(s)

	case "date":
		days, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DATE value %q", s)
		}
		return time.Unix(days*86400, 0).UTC(), nil

	case "time", "timestamp_ntz":
		return parseEpoch(s)

	case "timestamp_ltz":
		t, err := parseEpoch(s)
		if err != nil {
			return nil, err
		}
		return t.In(time.Local), nil

	case "timestamp_tz":
		epoch, offset, ok := strings.Cut(s, " ")
		if !ok {
			return parseEpoch(s)
		}
		t, err := parseEpoch(epoch)
		if err != nil {
			return nil, err
		}
		minutes, err := strconv.Atoi(offset)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMESTAMP_TZ offset %q", offset)
		}
		return t.In(fixedZone(minutes - timezoneBias)), nil

	case "binary":
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid BINARY value: %w", err)
		}
		return b, nil

	default:
		// text, variant, object, array, geography and unknown types
		return s, nil
	}
}

// parseEpoch parses "seconds[.fraction]" since the Unix epoch into UTC.
func parseEpoch(s string) (time.Time, error) {
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch value %q", s)
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		f, err := strconv.ParseInt(fracStr, 10, 64)
		if err != nil || f < 0 {
			return time.Time{}, fmt.Errorf("invalid epoch fraction %q", s)
		}
		nsec = f * pow10[9-len(fracStr)]
		if strings.HasPrefix(secStr, "-") {
			nsec = -nsec
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}

func fixedZone(offsetMinutes int) *time.Location {
	if offsetMinutes == 0 {
		return time.UTC
	}
	return time.FixedZone("", offsetMinutes*60)
}

// convertArrowValue decodes row i of an Arrow column.
func convertArrowValue(arr arrow.Array, i int, col Column) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}

	switch strings.ToLower(col.Type) {
	case "fixed":
		if d, ok := arr.(*array.Decimal128); ok {
			n := d.Value(i)
			if col.Scale == 0 {
				if bi := n.BigInt(); bi.IsInt64() {
					return bi.Int64(), nil
				}
			}
			return n.ToString(int32(col.Scale)), nil
		}
		v, err := arrowInt(arr, i)
		if err != nil {
			return nil, err
		}
		if col.Scale == 0 {
			return v, nil
		}
		return formatScaled(v, col.Scale), nil

	case "real":
		if f, ok := arr.(*array.Float64); ok {
			return f.Value(i), nil
		}

	case "boolean":
		if b, ok := arr.(*array.Boolean); ok {
			return b.Value(i), nil
		}

	case "date":
		switch d := arr.(type) {
		case *array.Date32:
			return d.Value(i).ToTime().UTC(), nil
		case *array.Int32:
			return time.Unix(int64(d.Value(i))*86400, 0).UTC(), nil
		}

	case "time", "timestamp_ntz", "timestamp_ltz":
		t, err := arrowTimestamp(arr, i, col.Scale)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(col.Type, "timestamp_ltz") {
			return t.In(time.Local), nil
		}
		return t, nil

	case "timestamp_tz":
		return arrowTimestampTZ(arr, i, col.Scale)

	case "binary":
		if b, ok := arr.(*array.Binary); ok {
			return append([]byte(nil), b.Value(i)...), nil
		}

	default:
		if s, ok := arr.(*array.String); ok {
			return s.Value(i), nil
		}
		return arr.ValueStr(i), nil
	}
	return nil, fmt.Errorf("unexpected arrow type %s for %s column", arr.DataType(), strings.ToUpper(col.Type))
}

func arrowInt(arr arrow.Array, i int) (int64, error) {
	switch a := arr.(type) {
	case *array.Int8:
		return int64(a.Value(i)), nil
	case *array.Int16:
		return int64(a.Value(i)), nil
	case *array.Int32:
		return int64(a.Value(i)), nil
	case *array.Int64:
		return a.Value(i), nil
	default:
		return 0, fmt.Errorf("unexpected arrow integer type %s", arr.DataType())
	}
}

// scaledTime interprets v as a count of 10^-scale seconds since the epoch.
func scaledTime(v int64, scale int64) time.Time {
	if scale < 0 || scale > 9 {
		scale = 9
	}
	unit := pow10[scale]
	return time.Unix(v/unit, (v%unit)*pow10[9-scale]).UTC()
}

func arrowTimestamp(arr arrow.Array, i int, scale int64) (time.Time, error) {
	if st, ok := arr.(*array.Struct); ok {
		if st.NumField() < 2 {
			return time.Time{}, fmt.Errorf("timestamp struct has %d fields", st.NumField())
		}
		sec, err := arrowInt(st.Field(0), i)
		if err != nil {
			return time.Time{}, err
		}
		nsec, err := arrowInt(st.Field(1), i)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(sec, nsec).UTC(), nil
	}
	v, err := arrowInt(arr, i)
	if err != nil {
		return time.Time{}, err
	}
	return scaledTime(v, scale), nil
}

func arrowTimestampTZ(arr arrow.Array, i int, scale int64) (time.Time, error) {
	st, ok := arr.(*array.Struct)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected arrow type %s for TIMESTAMP_TZ column", arr.DataType())
	}
	var (
		t   time.Time
		tz  int64
		err error
	)
	switch st.NumField() {
	case 2:
		var v int64
		if v, err = arrowInt(st.Field(0), i); err != nil {
			return time.Time{}, err
		}
		t = scaledTime(v, scale)
		tz, err = arrowInt(st.Field(1), i)
	case 3:
		var sec, nsec int64
		if sec, err = arrowInt(st.Field(0), i); err != nil {
			return time.Time{}, err
		}
		if nsec, err = arrowInt(st.Field(1), i); err != nil {
			return time.Time{}, err
		}
		t = time.Unix(sec, nsec).UTC()
		tz, err = arrowInt(st.Field(2), i)
	default:
		return time.Time{}, fmt.Errorf("TIMESTAMP_TZ struct has %d fields", st.NumField())
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.In(fixedZone(int(tz) - timezoneBias)), nil
}

// formatScaled renders v / 10^scale as an exact decimal string.
func formatScaled(v int64, scale int64) string {
	neg := v < 0
	digits := strconv.FormatUint(absInt64(v), 10)
	if int64(len(digits)) <= scale {
		digits = strings.Repeat("0", int(scale)-len(digits)+1) + digits
	}
	cut := len(digits) - int(scale)
	s := digits[:cut] + "." + digits[cut:]
	if neg {
		s = "-" + s
	}
	return s
}

func absInt64(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}
