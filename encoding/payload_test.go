package encoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTripSmall(t *testing.T) {
	in := map[string]any{"id": int64(1), "title": "milk"}

	data, err := EncodePayload(in, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), data[0], "small payloads stay raw")

	var out map[string]any
	require.NoError(t, DecodePayload(data, &out))
	assert.Equal(t, "milk", out["title"])
	assert.EqualValues(t, 1, out["id"])
}

func TestPayloadCompressesLargeBodies(t *testing.T) {
	in := map[string]any{"body": strings.Repeat("all work and no play ", 500)}

	data, err := EncodePayload(in, 64)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), data[0])
	assert.Less(t, len(data), 2000, "repetitive body should compress well")

	var out map[string]any
	require.NoError(t, DecodePayload(data, &out))
	assert.Equal(t, in["body"], out["body"])
}

func TestPayloadStringsStayStrings(t *testing.T) {
	data, err := EncodePayload(map[string]any{"pk": "abc"}, 0)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, DecodePayload(data, &out))
	_, isString := out["pk"].(string)
	assert.True(t, isString, "loose decoding must keep TEXT values as strings")
}

func TestPayloadRejectsGarbage(t *testing.T) {
	assert.Error(t, DecodePayload(nil, &struct{}{}))
	assert.Error(t, DecodePayload([]byte{0x7f, 0x01}, &struct{}{}))
}
