// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package permission decides which role pairs may talk to each other.
package permission

import "github.com/efchatnet/efdeliver/backend/models"

type pair struct {
	sender   models.Role
	receiver models.Role
}

// allowed is symmetric: every entry has its reverse.
var allowed = map[pair]struct{}{
	{models.RoleOrphanage, models.RoleUser}:      {},
	{models.RoleUser, models.RoleOrphanage}:      {},
	{models.RoleOrphanage, models.RoleVolunteer}: {},
	{models.RoleVolunteer, models.RoleOrphanage}: {},
}

// IsAllowed reports whether senderRole may open a conversation with
// receiverRole.
func IsAllowed(senderRole, receiverRole models.Role) bool {
	_, ok := allowed[pair{senderRole, receiverRole}]
	return ok
}

// CanObserve reports whether role may watch conversations it is not part of.
func CanObserve(role models.Role) bool {
	return role == models.RoleSuperAdmin
}
