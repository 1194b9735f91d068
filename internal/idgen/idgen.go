// Package idgen generates opaque, stable identifiers for agents, permission
// requests, subscriptions, and other entities that must remain stable across
// daemon restarts.
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Agent returns a new opaque agent id.
func Agent() string { return generate("ag_") }

// PermissionRequest returns a new opaque permission request id.
func PermissionRequest() string { return generate("pr_") }

// Subscription returns a new opaque subscription id scoped to a client session.
func Subscription() string { return generate("sub_") }

// Client returns a new opaque server-issued client id.
func Client() string { return generate("cl_") }

func generate(prefix string) string {
	id, err := gonanoid.Generate(alphabet, 32)
	if err != nil {
		panic(fmt.Sprintf("idgen: generate nanoid: %v", err))
	}
	return prefix + id
}
