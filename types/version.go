package types

// Version is the canonical project version.
// The CLI, the wire protocol and the session notifications share this version.
const Version = "0.3.0"
