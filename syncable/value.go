package syncable

import (
	"encoding/json"
	"fmt"
)

// Value is a JSON value: nil, bool, float64, string, []any or map[string]any.
type Value = any

// Reserved state bundle fields. They are never applied as replica fields.
const (
	FieldID      = "_id"
	FieldOplog   = "_oplog"
	FieldTail    = "_tail"
	FieldVersion = "_version"
	FieldVector  = "_vector"
)

func reserved(field string) bool {
	switch field {
	case FieldID, FieldOplog, FieldTail, FieldVersion, FieldVector:
		return true
	}
	return false
}

// Normalize returns a deep copy of v in its canonical JSON form, so that the
// result can be shared between goroutines without further copying.
func Normalize(v Value) (Value, error) {
	switch v := v.(type) {
	case nil, bool, float64, string:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var res Value
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return res, nil
}

// cloneFields makes a shallow copy of an object value.
func cloneFields(m map[string]Value) map[string]Value {
	res := make(map[string]Value, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
