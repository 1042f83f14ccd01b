package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Text is a string field the server may encode as a JSON string, a number, or
// an arbitrary JSON value. Non-string values keep their raw JSON text.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	*t = Text(data)
	return nil
}

func (t Text) String() string { return string(t) }

// Int64 parses the text as a base-10 integer, 0 when it is not one.
func (t Text) Int64() int64 {
	n, _ := strconv.ParseInt(string(t), 10, 64)
	return n
}
