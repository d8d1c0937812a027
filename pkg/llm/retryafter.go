package llm

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

const defaultRetryAfter = 60 * time.Second

// ParseRetryAfter extracts the wait imposed by a 429 response. Sources in
// order: the Retry-After header, the X-RateLimit-Reset header, and the same
// field nested in the JSON error metadata. Values are normalized: epoch
// milliseconds (> 2e9) and epoch seconds become seconds-from-now, small
// values are taken as relative seconds. One extra second is always added, so
// "Retry-After: 0" yields one second.
func ParseRetryAfter(headers http.Header, body []byte) time.Duration {
	if v := headers.Get("Retry-After"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return normalizeReset(n)
		}
	}
	if v := headers.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return normalizeReset(n)
		}
	}
	if n, ok := resetFromBody(body); ok {
		return normalizeReset(n)
	}
	return defaultRetryAfter
}

func normalizeReset(v float64) time.Duration {
	const epochMsCutoff = 2e9

	if v > epochMsCutoff {
		v = v / 1000
	}
	// An epoch timestamp becomes a delta; anything else is already relative.
	if v > 1e9 {
		v = v - float64(time.Now().Unix())
		if v < 0 {
			v = 0
		}
	}
	return time.Duration(v+1) * time.Second
}

func resetFromBody(body []byte) (float64, bool) {
	var payload struct {
		Error struct {
			Metadata struct {
				Headers map[string]json.Number `json:"headers"`
			} `json:"metadata"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, false
	}
	for key, raw := range payload.Error.Metadata.Headers {
		if http.CanonicalHeaderKey(key) != "X-Ratelimit-Reset" {
			continue
		}
		if n, err := raw.Float64(); err == nil {
			return n, true
		}
	}
	return 0, false
}
