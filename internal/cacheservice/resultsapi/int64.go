package resultsapi

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Int64 is a protobuf int64 in its canonical JSON form: a quoted decimal.
// Unquoted numbers are accepted as well.
type Int64 int64

func (value Int64) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(value), 10))
}

func (value *Int64) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := string(data)

	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}

	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}

	*value = Int64(parsed)

	return nil
}
