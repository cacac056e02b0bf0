package pipe

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/swarmsync/go-swarm/spec"
	"github.com/swarmsync/go-swarm/syncable"
)

// Entry is one operation of a bundle.
type Entry struct {
	Op    spec.Full
	Value syncable.Value
}

// EncodeBundle serializes operations as one JSON object keyed by specifier.
func EncodeBundle(entries ...Entry) (string, error) {
	obj := make(map[string]syncable.Value, len(entries))
	for _, e := range entries {
		obj[e.Op.String()] = e.Value
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	return string(data), nil
}

// DecodeBundle parses a bundle and returns its entries sorted by specifier.
// An empty object is a heartbeat and yields no entries.
func DecodeBundle(msg string) ([]Entry, error) {
	var obj map[string]syncable.Value
	if err := json.Unmarshal([]byte(msg), &obj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBundle, err)
	}
	entries := make([]Entry, 0, len(obj))
	for key, v := range obj {
		op, err := spec.ParseFull(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedBundle, err)
		}
		entries = append(entries, Entry{Op: op, Value: v})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return a.Op.Compare(b.Op) })
	return entries, nil
}
