package auth

// Scopes accepted by the read API.
const (
	ScopeTimeBlocksRead = "timeblocks:read"
	ScopeEventsRead     = "events:read"
)
