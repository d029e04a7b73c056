// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package models

// Role is the account role carried by an authenticated identity
type Role string

const (
	RoleOrphanage  Role = "orphanage"
	RoleVolunteer  Role = "volunteer"
	RoleUser       Role = "user"
	RoleSuperAdmin Role = "superadmin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOrphanage, RoleVolunteer, RoleUser, RoleSuperAdmin:
		return true
	}
	return false
}

// AccountKind names the account collection a participant belongs to
type AccountKind string

const (
	KindOrphanage AccountKind = "Orphanage"
	KindVolunteer AccountKind = "Volunteer"
	KindUser      AccountKind = "User"
	KindAdmin     AccountKind = "Admin"
)

func (r Role) AccountKind() AccountKind {
	switch r {
	case RoleOrphanage:
		return KindOrphanage
	case RoleVolunteer:
		return KindVolunteer
	case RoleSuperAdmin:
		return KindAdmin
	default:
		return KindUser
	}
}

// Identity is the authenticated caller handed over by the auth boundary
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
