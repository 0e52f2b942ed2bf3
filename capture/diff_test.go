package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"changelogs/common"
)

func TestDiffOnlyChangedAttributes(t *testing.T) {
	before := common.Document{"title": "old", "qty": int64(3), "ownerId": int64(42)}
	after := common.Document{"title": "new", "qty": int64(3), "ownerId": int64(42)}

	cb, ca, changed := Diff(before, after)
	assert.True(t, changed)
	assert.Equal(t, common.Document{"title": "old"}, cb)
	assert.Equal(t, common.Document{"title": "new"}, ca)
}

func TestDiffNoChanges(t *testing.T) {
	doc := common.Document{"title": "same", "qty": int64(3)}
	cb, ca, changed := Diff(doc, doc.Clone())
	assert.False(t, changed)
	assert.Empty(t, cb)
	assert.Empty(t, ca)
}

func TestDiffIgnoresAttributesNewInAfter(t *testing.T) {
	before := common.Document{"title": "old"}
	after := common.Document{"title": "old", "color": "red"}

	_, _, changed := Diff(before, after)
	assert.False(t, changed)
}

func TestDiffAttributeDroppedFromAfter(t *testing.T) {
	before := common.Document{"title": "old", "color": "red"}
	after := common.Document{"title": "old"}

	cb, ca, changed := Diff(before, after)
	assert.True(t, changed)
	assert.Equal(t, common.Document{"color": "red"}, cb)
	assert.Empty(t, ca)
}

func TestDiffByteSlicesCompareByContent(t *testing.T) {
	before := common.Document{"blob": []byte{1, 2, 3}}
	after := common.Document{"blob": []byte{1, 2, 3}}
	_, _, changed := Diff(before, after)
	assert.False(t, changed)

	after["blob"] = []byte{9}
	_, _, changed = Diff(before, after)
	assert.True(t, changed)
}

func TestDiffNilValueTransitions(t *testing.T) {
	cb, ca, changed := Diff(common.Document{"note": nil}, common.Document{"note": "set"})
	assert.True(t, changed)
	assert.Equal(t, common.Document{"note": nil}, cb)
	assert.Equal(t, common.Document{"note": "set"}, ca)

	_, _, changed = Diff(common.Document{"note": nil}, common.Document{"note": nil})
	assert.False(t, changed)
}
