// README: Shared identifier type used across modules.
package types

// ID identifies agents, properties and visits. Agent IDs come from the
// authentication system; visit IDs are assigned by the store.
type ID string

func (id ID) String() string { return string(id) }
