package common

import "time"

// IndexedPair is one (attribute, value) entry recorded for secondary lookup.
// An update that changes an indexed attribute produces two pairs for it, the
// old value first.
type IndexedPair struct {
	Attr  string `msgpack:"a" json:"attr"`
	Value string `msgpack:"v" json:"value"`
}

// ChangeRecord is one immutable entry of the audit log.
// At least one of Before/After is set. Before and After contain only the
// attributes that changed, except on insert (full logged After) and delete
// (full logged Before).
type ChangeRecord struct {
	ID         uint64        `json:"id"`
	Entity     string        `json:"entity"`
	PrimaryKey string        `json:"primaryKey"`
	Timestamp  time.Time     `json:"timestamp"` // always UTC
	ActorID    string        `json:"actorId,omitempty"`
	Before     Document      `json:"before,omitempty"`
	After      Document      `json:"after,omitempty"`
	Indexed    []IndexedPair `json:"indexed,omitempty"`
	Context    []byte        `json:"context,omitempty"` // raw JSON document
}

// SessionContext is the connection-scoped caller context attached to every
// record captured on that session. Both fields default to absent.
type SessionContext struct {
	ActorID string
	Context []byte // validated JSON document, nil when unset
}
