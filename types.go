package snowflake

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// scanJSON decodes a semi-structured column value. Semi-structured values
// arrive from the driver as JSON text.
func scanJSON(src any, into string, dst any) (bool, error) {
	var data []byte
	switch v := src.(type) {
	case nil:
		return false, nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return false, fmt.Errorf("snowflake: cannot scan %T into %s", src, into)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("snowflake: cannot unmarshal %s: %w", into, err)
	}
	return true, nil
}

func jsonValue(valid bool, v any) (driver.Value, error) {
	if !valid {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// NullArray scans an ARRAY column into a Go slice.
//
//	var tags NullArray[string]
//	err := row.Scan(&tags)
type NullArray[T any] struct {
	Array []T
	Valid bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullArray[any])(nil)
var _ driver.Valuer = (*NullArray[any])(nil)

// Scan implements sql.Scanner.
func (a *NullArray[T]) Scan(src any) error {
	a.Array = nil
	valid, err := scanJSON(src, "NullArray", &a.Array)
	a.Valid = valid
	return err
}

// Value implements driver.Valuer.
func (a NullArray[T]) Value() (driver.Value, error) {
	return jsonValue(a.Valid, a.Array)
}

// NullObject scans an OBJECT column into a struct or map.
//
//	type Address struct {
//	    Street string `json:"street"`
//	    City   string `json:"city"`
//	}
//	var addr NullObject[Address]
//	err := row.Scan(&addr)
type NullObject[T any] struct {
	Object T
	Valid  bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullObject[any])(nil)
var _ driver.Valuer = (*NullObject[any])(nil)

// Scan implements sql.Scanner.
func (o *NullObject[T]) Scan(src any) error {
	var zero T
	o.Object = zero
	valid, err := scanJSON(src, "NullObject", &o.Object)
	o.Valid = valid
	return err
}

// Value implements driver.Valuer.
func (o NullObject[T]) Value() (driver.Value, error) {
	return jsonValue(o.Valid, o.Object)
}

// NullVariant keeps a VARIANT column as raw JSON for later decoding.
type NullVariant struct {
	Variant json.RawMessage
	Valid   bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullVariant)(nil)
var _ driver.Valuer = (*NullVariant)(nil)

// Scan implements sql.Scanner.
func (v *NullVariant) Scan(src any) error {
	v.Variant = nil
	valid, err := scanJSON(src, "NullVariant", &v.Variant)
	v.Valid = valid
	return err
}

// Value implements driver.Valuer.
func (v NullVariant) Value() (driver.Value, error) {
	if !v.Valid {
		return nil, nil
	}
	return string(v.Variant), nil
}

// Decode unmarshals the variant into dst.
func (v NullVariant) Decode(dst any) error {
	if !v.Valid {
		return fmt.Errorf("snowflake: cannot decode NULL variant")
	}
	return json.Unmarshal(v.Variant, dst)
}
