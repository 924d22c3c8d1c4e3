package thing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/R3E-Network/twin_layer/pkg/duration"
)

// Duration is a time.Duration that marshals as the human-readable wire form
// ("30s", "1h 30m"). Plain numbers decode as seconds for producer convenience.
type Duration time.Duration

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(duration.Format(time.Duration(d)))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := duration.Parse(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration %s", string(data))
}
