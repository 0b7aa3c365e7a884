package prefs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snowflake is a Discord ID. Documents written by hand often hold IDs as
// bare numbers, which overflow float64, so both numbers and strings decode.
type Snowflake string

// UnmarshalJSON accepts a JSON string or integer.
func (s *Snowflake) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Snowflake(str)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("invalid snowflake %s: %w", data, err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("invalid snowflake %s: %w", data, err)
	}
	*s = Snowflake(n.String())
	return nil
}

func containsID(ids []Snowflake, id string) bool {
	for _, v := range ids {
		if string(v) == id {
			return true
		}
	}
	return false
}
