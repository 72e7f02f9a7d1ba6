package cache

import (
	"encoding/json"
	"fmt"
)

func encode(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cache: encode: %w", err)
	}
	return b, nil
}

func decode(raw []byte, dest any) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("cache: decode: %w", err)
	}
	return nil
}

// assign copies v into dest through a JSON round trip, which keeps results
// shared by singleflight waiters independent of each other.
func assign(v any, dest any) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	return decode(raw, dest)
}
