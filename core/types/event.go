package types

// Event represents a typed notification emitted during settlement transitions.
// Attributes are string encoded so off-chain indexers can consume them without
// schema knowledge.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
