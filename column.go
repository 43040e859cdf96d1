package snowflake

import (
	"reflect"
	"strings"
	"time"
)

// Column represents metadata about a column in a query result.
type Column struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the warehouse type in lower case, e.g. "fixed", "text", "timestamp_ntz"
	Type string `json:"type"`

	// Precision and Scale describe FIXED and temporal columns
	Precision int64 `json:"precision"`
	Scale     int64 `json:"scale"`

	// Length and ByteLength describe TEXT and BINARY columns
	Length     int64 `json:"length"`
	ByteLength int64 `json:"byteLength"`

	Nullable bool `json:"nullable"`

	Database string `json:"database"`
	Schema   string `json:"schema"`
	Table    string `json:"table"`
}

// DatabaseTypeName returns the upper-case warehouse type name.
func (c Column) DatabaseTypeName() string {
	return strings.ToUpper(c.Type)
}

// ScanType returns the Go type values of this column decode to.
func (c Column) ScanType() reflect.Type {
	switch strings.ToLower(c.Type) {
	case "fixed":
		if c.Scale == 0 {
			return reflect.TypeOf(int64(0))
		}
		return reflect.TypeOf("")
	case "real":
		return reflect.TypeOf(float64(0))
	case "boolean":
		return reflect.TypeOf(false)
	case "binary":
		return reflect.TypeOf([]byte(nil))
	case "date", "time", "timestamp_ltz", "timestamp_ntz", "timestamp_tz":
		return reflect.TypeOf(time.Time{})
	default:
		// text, variant, object, array and unknown types
		return reflect.TypeOf("")
	}
}
