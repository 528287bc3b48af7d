// Package candidate turns raw monitoring results into normalized alert
// candidates, fingerprints them for dedup and ingests them as alert tasks.
package candidate

import (
	"strings"

	"herald/internal/task"
)

// Candidate is a normalized monitoring result. The producer (search or
// monitoring client) is external; herald only consumes these.
type Candidate struct {
	Owner       string            `json:"owner"`
	Kind        task.Kind         `json:"kind"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	URL         string            `json:"url,omitempty"`
	DiscountPct float64           `json:"discount_pct,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Normalize lowercases s, collapses runs of whitespace and trims it.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Payload converts c into the channel-agnostic task payload.
func (c Candidate) Payload() task.Payload {
	p := task.Payload{
		Title:       c.Title,
		Body:        c.Content,
		URL:         c.URL,
		DiscountPct: c.DiscountPct,
	}
	if len(c.Data) > 0 {
		p.Data = make(map[string]string, len(c.Data))
		for k, v := range c.Data {
			p.Data[k] = v
		}
	}
	return p
}

// FromTask rebuilds the candidate view of an alert task.
func FromTask(t task.Task) Candidate {
	return Candidate{
		Owner:       t.Owner,
		Kind:        t.Kind,
		Title:       t.Payload.Title,
		Content:     t.Payload.Body,
		URL:         t.Payload.URL,
		DiscountPct: t.Payload.DiscountPct,
		Data:        t.Payload.Data,
	}
}

// Match applies the owner's per-kind keyword and threshold filter.
// No keywords means every candidate matches the keyword part.
func Match(c Candidate, f task.Filter) bool {
	if c.Kind == task.KindPriceAlert && c.DiscountPct < f.MinDiscountPct {
		return false
	}
	if len(f.Keywords) == 0 {
		return true
	}
	title, content := Normalize(c.Title), Normalize(c.Content)
	for _, kw := range f.Keywords {
		kw = Normalize(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(title, kw) || strings.Contains(content, kw) {
			return true
		}
	}
	return false
}
