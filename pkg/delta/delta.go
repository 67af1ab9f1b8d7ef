// Package delta compares two executions of a saved search.
package delta

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/ekaya-inc/ekaya-insights/pkg/models"
)

const (
	// RelevanceEpsilon is the smallest relevance move that counts as a change.
	RelevanceEpsilon = 0.1
	// MinWeight drops suppressed items whose weight falls below it.
	MinWeight = 0.5
)

// Kind says how an item differs between executions.
type Kind string

const (
	KindAdded   Kind = "added"
	KindRemoved Kind = "removed"
	KindChanged Kind = "changed"
)

// Item is one entry of a delta. Before is nil for added items and After is
// nil for removed ones.
type Item struct {
	Key     string             `json:"key"`
	Kind    Kind               `json:"kind"`
	Before  *models.ResultItem `json:"before,omitempty"`
	After   *models.ResultItem `json:"after,omitempty"`
	Fields  []string           `json:"fields,omitempty"`
	Weight  float64            `json:"weight"`
	Matched []string           `json:"matched_patterns,omitempty"`
}

// Current returns the newest version of the item.
func (i Item) Current() models.ResultItem {
	if i.After != nil {
		return *i.After
	}
	return *i.Before
}

// Delta is the set difference between a previous and current snapshot.
type Delta struct {
	Added      []Item `json:"added"`
	Removed    []Item `json:"removed"`
	Changed    []Item `json:"changed"`
	Suppressed int    `json:"suppressed"`
}

// Volume is the number of items that differ.
func (d *Delta) Volume() int {
	return len(d.Added) + len(d.Removed) + len(d.Changed)
}

// Empty reports whether nothing differs.
func (d *Delta) Empty() bool {
	return d.Volume() == 0
}

// Items returns every entry, added first, then changed, then removed.
func (d *Delta) Items() []Item {
	out := make([]Item, 0, d.Volume())
	out = append(out, d.Added...)
	out = append(out, d.Changed...)
	out = append(out, d.Removed...)
	return out
}

// Keys returns the keys of every entry in Items order.
func (d *Delta) Keys() []string {
	items := d.Items()
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.Key
	}
	return keys
}

// Compute diffs previous against current, keyed by normalized URL or source
// identifier. Items matching active suppression patterns are down-weighted by
// each pattern's weight; those ending below MinWeight are dropped and counted
// in Suppressed.
func Compute(previous, current []models.ResultItem, patterns []*models.SuppressionPattern) *Delta {
	prevByKey := index(previous)
	curByKey := index(current)

	d := &Delta{}
	for key, cur := range curByKey {
		cur := cur
		prev, ok := prevByKey[key]
		if !ok {
			d.add(&d.Added, Item{Key: key, Kind: KindAdded, After: &cur}, patterns)
			continue
		}
		if fields := changedFields(prev, cur); len(fields) > 0 {
			prev := prev
			d.add(&d.Changed, Item{Key: key, Kind: KindChanged, Before: &prev, After: &cur, Fields: fields}, patterns)
		}
	}
	for key, prev := range prevByKey {
		if _, ok := curByKey[key]; ok {
			continue
		}
		prev := prev
		d.add(&d.Removed, Item{Key: key, Kind: KindRemoved, Before: &prev}, patterns)
	}

	sortItems(d.Added)
	sortItems(d.Changed)
	sortItems(d.Removed)
	return d
}

func (d *Delta) add(list *[]Item, item Item, patterns []*models.SuppressionPattern) {
	item.Weight, item.Matched = weigh(item.Current(), patterns)
	if item.Weight < MinWeight {
		d.Suppressed++
		return
	}
	*list = append(*list, item)
}

// index keys items, keeping the most relevant copy of any duplicate.
func index(items []models.ResultItem) map[string]models.ResultItem {
	out := make(map[string]models.ResultItem, len(items))
	for _, item := range items {
		key := item.Key()
		if prev, ok := out[key]; ok && prev.Relevance >= item.Relevance {
			continue
		}
		out[key] = item
	}
	return out
}

func changedFields(prev, cur models.ResultItem) []string {
	var fields []string
	if strings.TrimSpace(prev.Title) != strings.TrimSpace(cur.Title) {
		fields = append(fields, "title")
	}
	if strings.TrimSpace(prev.Summary) != strings.TrimSpace(cur.Summary) {
		fields = append(fields, "summary")
	}
	if math.Abs(prev.Relevance-cur.Relevance) > RelevanceEpsilon {
		fields = append(fields, "relevance")
	}
	return fields
}

// weigh multiplies the weights of every active pattern found in the item's
// title, summary or URL.
func weigh(item models.ResultItem, patterns []*models.SuppressionPattern) (float64, []string) {
	weight := 1.0
	var matched []string
	if len(patterns) == 0 {
		return weight, nil
	}
	haystack := Fold(item.Title + " " + item.Summary + " " + item.URL)
	for _, p := range patterns {
		if p == nil || !p.Active {
			continue
		}
		needle := Fold(p.Pattern)
		if needle == "" {
			continue
		}
		if strings.Contains(haystack, needle) {
			weight *= p.Weight
			matched = append(matched, p.Pattern)
		}
	}
	return weight, matched
}

// Fold normalizes text for pattern matching: compatibility forms such as
// full-width letters collapse to their plain equivalents, case is folded and
// runs of whitespace become one space.
func Fold(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		ri, rj := items[i].Current().Relevance, items[j].Current().Relevance
		if ri != rj {
			return ri > rj
		}
		return items[i].Key < items[j].Key
	})
}
