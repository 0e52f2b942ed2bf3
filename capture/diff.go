package capture

import (
	"bytes"
	"reflect"

	"changelogs/common"
)

// valuesEqual compares two normalized attribute values. Byte slices get a
// content comparison; everything else goes through DeepEqual so nested
// documents decoded from JSON compare correctly.
func valuesEqual(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	return reflect.DeepEqual(a, b)
}

// Diff computes the changed slices of an update. Only attributes present in
// before are compared: an attribute that first appears in after is not a
// change to recorded state and stays out of the diff. changedAfter carries the
// new value for each changed attribute that after still has.
func Diff(before, after common.Document) (changedBefore, changedAfter common.Document, changed bool) {
	changedBefore = common.Document{}
	changedAfter = common.Document{}
	for attr, old := range before {
		cur, present := after[attr]
		if present && valuesEqual(old, cur) {
			continue
		}
		changedBefore[attr] = old
		if present {
			changedAfter[attr] = cur
		}
	}
	return changedBefore, changedAfter, len(changedBefore) > 0
}
