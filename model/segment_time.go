package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// SegmentTime holds the raw segmentTime value of a JSON request. Clients send
// it either as a number or as a numeric string; interpretation happens later.
type SegmentTime string

// UnmarshalJSON accepts numbers, strings and null. Anything else is kept empty
// so that the default applies instead of rejecting the request.
func (s *SegmentTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}

	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = SegmentTime(str)
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		*s = ""
		return nil
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || math.Abs(n) > math.MaxInt32 {
		*s = ""
		return nil
	}
	*s = SegmentTime(strconv.FormatInt(int64(n), 10))
	return nil
}
