package audio

import (
	"strconv"
	"strings"

	"audiosplit/model"
)

// DefaultSegmentTime is the fallback segment length in seconds.
const DefaultSegmentTime = model.DefaultSegmentTime

// ParseSegmentTime reads a client-supplied segment length. Only the leading
// integer of raw counts ("15abc" is 15, "12.7" is 12). Missing, non-numeric and
// non-positive values yield def. A positive max caps the result.
func ParseSegmentTime(raw string, def, max int) int {
	if def <= 0 {
		def = DefaultSegmentTime
	}

	s := strings.TrimSpace(raw)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digitsStart := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digitsStart {
		return def
	}

	n, err := strconv.Atoi(s[:end])
	if err != nil {
		// Only overflow gets here; a huge positive value means "as long as allowed".
		if s[0] == '-' || max <= 0 {
			return def
		}
		return max
	}
	if n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
