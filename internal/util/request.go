package util

import (
	"fmt"
	"math/rand"
)

// GenerateSessionID mints an opaque per-session identifier for logging
// and registry bookkeeping.
func GenerateSessionID() string {
	actions := []string{
		"linking", "bridging", "routing", "relaying", "forwarding",
		"splicing", "bonding", "threading", "carrying", "ferrying",
	}
	conduits := []string{
		"tunnel", "conduit", "channel", "circuit", "culvert",
		"corridor", "passage", "duct", "trunk", "span",
	}

	conduit := conduits[rand.Intn(len(conduits))]
	action := actions[rand.Intn(len(actions))]
	suffix := fmt.Sprintf("%04x", rand.Intn(65536))

	return fmt.Sprintf("%s_%s_%s", conduit, action, suffix)
}
