package capture

import "changelogs/common"

// ExtractIndexed builds the indexed-pair list for a record from the unfiltered
// row images, so an indexed attribute is captured even when the logged-column
// selection drops it. For each configured attribute the before value comes
// first, then the after value; nil and absent values produce no pair, and a
// value unchanged across the update is recorded once.
func ExtractIndexed(attrs []string, before, after common.Document) []common.IndexedPair {
	var out []common.IndexedPair
	seen := make(map[common.IndexedPair]struct{})
	add := func(attr string, doc common.Document) {
		if doc == nil {
			return
		}
		v, ok := doc[attr]
		if !ok || v == nil {
			return
		}
		p := common.IndexedPair{Attr: attr, Value: common.FormatValue(v)}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, attr := range attrs {
		add(attr, before)
		add(attr, after)
	}
	return out
}
