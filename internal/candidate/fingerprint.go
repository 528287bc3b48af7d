package candidate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Granularity selects which candidate attributes make two alerts "the same".
type Granularity string

const (
	// GranularityContent ignores price movement: a further drop on the same
	// product is still a duplicate.
	GranularityContent Granularity = "content"
	// GranularityThreshold also keys on the discount bucketed to whole percent.
	GranularityThreshold Granularity = "content+threshold"
)

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(s))) {
	case "", GranularityContent:
		return GranularityContent, nil
	case GranularityThreshold:
		return GranularityThreshold, nil
	}
	return "", fmt.Errorf("unknown fingerprint granularity %q", s)
}

// Fingerprint returns a stable hex digest of c.
func Fingerprint(c Candidate, g Granularity) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(c.Owner)
	write(string(c.Kind))
	write(Normalize(c.Title))
	write(Normalize(c.Content))

	keys := make([]string, 0, len(c.Data))
	for k := range c.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(Normalize(k) + "=" + Normalize(c.Data[k]))
	}

	if g == GranularityThreshold {
		write(fmt.Sprintf("pct=%d", int64(math.Floor(c.DiscountPct))))
	}
	return hex.EncodeToString(h.Sum(nil))
}
