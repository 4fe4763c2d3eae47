package store

import (
	"encoding/json"
	"fmt"

	"github.com/meanderhq/meander-go/internal/journey"
	"github.com/meanderhq/meander-go/internal/value"
)

// marshalProperties converts a property object to canonical JSON TEXT for
// storage, so stored blobs compare bytewise regardless of map order.
func marshalProperties(props value.Object) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	data, err := value.MarshalCanonical(props)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(data), nil
}

// unmarshalProperties parses stored JSON TEXT back into a property object.
func unmarshalProperties(data string) (value.Object, error) {
	if data == "" || data == "{}" {
		return value.Object{}, nil
	}
	var obj value.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return obj, nil
}

// marshalJourney serializes a journey snapshot to JSON TEXT.
// json.Marshal is sufficient here: snapshots are read back whole, never
// compared bytewise.
func marshalJourney(j *journey.Journey) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal journey %s: %w", j.ID, err)
	}
	return string(data), nil
}

// unmarshalJourney parses a stored snapshot back into a journey.
func unmarshalJourney(data string) (*journey.Journey, error) {
	var j journey.Journey
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal journey: %w", err)
	}
	return &j, nil
}
