package time

import (
	"encoding/json"
	"time"
)

// Duration is a time.Duration that reads and writes itself as "15m" in json.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var dText string
	err := json.Unmarshal(data, &dText)
	if err != nil {
		return err
	}

	dt, err := time.ParseDuration(dText)
	if err != nil {
		return err
	}

	*d = Duration(dt)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
