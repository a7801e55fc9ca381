// SPDX-License-Identifier: MIT

// Package identity holds the process-wide coordinator identity: a
// stable instance UUID and a reachable host string, both immutable for
// the process lifetime.
package identity

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Instance identifies one coordinator process participating in
// cooperation. It is constructed once and passed into every registry;
// it is never re-derived per call and never read from a package
// global, so tests can run several logical instances in one process.
type Instance struct {
	ID   uuid.UUID
	Host string
}

// New returns a fresh Instance with a random ID and the given host
// string. Passing an empty host falls back to os.Hostname(), and
// falls back further to "unknown" if that fails.
func New(host string) Instance {
	if host == "" {
		host = detectHost()
	}
	return Instance{ID: uuid.New(), Host: host}
}

func detectHost() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// String renders the instance as "<id>@<host>" for log fields.
func (i Instance) String() string {
	return fmt.Sprintf("%s@%s", i.ID, i.Host)
}
