// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "strings"

// Role describes a session flavor: its name and the namespace appended to
// the base server URL.
type Role struct {
	Name      string
	Namespace string
}

// Session roles.
var (
	RoleProvider = Role{Name: "provider", Namespace: "/provider"}
	RoleConsumer = Role{Name: "consumer", Namespace: "/consumer"}
)

func (r Role) validate() error {
	if r.Name == "" || !strings.HasPrefix(r.Namespace, "/") {
		return ErrInvalidRole
	}
	return nil
}

// endpoint joins the base URL and the role namespace.
func (r Role) endpoint(base string) string {
	return strings.TrimRight(base, "/") + r.Namespace
}
