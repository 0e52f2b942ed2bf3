package store

import (
	"changelogs/common"
	"changelogs/encoding"
	"changelogs/telemetry"
)

// encodeDoc frames a document for storage. Nil documents stay nil so the
// absent/empty distinction survives the round trip.
func encodeDoc(d common.Document, threshold int) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	data, err := encoding.EncodePayload(map[string]any(d), threshold)
	if err != nil {
		return nil, err
	}
	telemetry.PayloadBytes.Observe(float64(len(data)))
	return data, nil
}

func decodeDoc(data []byte) (common.Document, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := encoding.DecodePayload(data, &m); err != nil {
		return nil, err
	}
	return common.Document(m), nil
}

func encodePairs(pairs []common.IndexedPair, threshold int) ([]byte, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	return encoding.EncodePayload(pairs, threshold)
}

func decodePairs(data []byte) ([]common.IndexedPair, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var pairs []common.IndexedPair
	if err := encoding.DecodePayload(data, &pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}
