package common

// TrackedEntityConfig is the durable tracking configuration for one entity.
// LoggedAttrs is an ordered selection list and may contain the wildcard token,
// negated entries and glob patterns; IndexedAttrs holds concrete attribute
// names only, in registration order.
type TrackedEntityConfig struct {
	Entity       string   `msgpack:"e" json:"entity"`
	PrimaryKey   string   `msgpack:"pk" json:"primaryKeyAttribute"`
	LoggedAttrs  []string `msgpack:"lc" json:"loggedAttributes"`
	IndexedAttrs []string `msgpack:"ic" json:"indexedAttributes"`
}

// Clone returns a deep copy so callers can hand configs out without aliasing
// the registry's live state.
func (c *TrackedEntityConfig) Clone() *TrackedEntityConfig {
	if c == nil {
		return nil
	}
	out := &TrackedEntityConfig{
		Entity:     c.Entity,
		PrimaryKey: c.PrimaryKey,
	}
	out.LoggedAttrs = append(out.LoggedAttrs, c.LoggedAttrs...)
	out.IndexedAttrs = append(out.IndexedAttrs, c.IndexedAttrs...)
	return out
}
