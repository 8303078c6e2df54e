package ir

// Version constants for the wire formats.
const (
	// PatchVersion is the version tag carried by every patch.
	PatchVersion = "mt.v0"

	// RelayVersion is the version tag carried by every relay event.
	RelayVersion = "v0"

	// EngineVersion is the modeltable runtime version.
	EngineVersion = "0.1.0"
)
