package campaign

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration marshals as a Go duration string ("5s", "1m30s").
// Bare JSON numbers are accepted on input and read as seconds, which is
// what the original snapshot format used.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
		return nil
	case string:
		dd, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(dd)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}
