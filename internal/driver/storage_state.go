package driver

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var validSameSite = map[string]struct{}{
	"Lax":    {},
	"Strict": {},
	"None":   {},
}

// NormalizeStorageState rewrites cookie sameSite values the browser would
// reject to "None". It returns the payload and the number of fixed cookies.
func NormalizeStorageState(payload []byte) ([]byte, int, error) {
	cookies := gjson.GetBytes(payload, "cookies")
	if !cookies.IsArray() {
		return payload, 0, nil
	}
	out := payload
	fixed := 0
	for i, cookie := range cookies.Array() {
		sameSite := cookie.Get("sameSite")
		if sameSite.Type == gjson.String {
			if _, ok := validSameSite[sameSite.Str]; ok {
				continue
			}
		}
		log.WithField("same_site", sameSite.Raw).Warn("invalid cookie sameSite value, using None")
		var err error
		out, err = sjson.SetBytes(out, fmt.Sprintf("cookies.%d.sameSite", i), "None")
		if err != nil {
			return nil, 0, fmt.Errorf("normalize cookie %d: %w", i, err)
		}
		fixed++
	}
	if fixed > 0 {
		log.WithField("count", fixed).Info("normalized cookie sameSite attributes")
	}
	return out, fixed, nil
}
