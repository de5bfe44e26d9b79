package identity

import (
	"github.com/safeguardhq/safeguard/internal/fault"
	"github.com/safeguardhq/safeguard/internal/store"
)

// Authorization checks. Deny errors carry no information about what exists;
// callers decide whether to surface NotFound instead.

func denied() error {
	return fault.New(fault.Authorization, fault.ReasonAuthorizationDenied, "not allowed")
}

// RequireSuperAdmin passes only platform operators.
func RequireSuperAdmin(u *store.User) error {
	if u.Role != store.RoleSuperAdmin {
		return denied()
	}
	return nil
}

// RequireBuildingAdmin passes super admins and admins of the given building.
func RequireBuildingAdmin(u *store.User, buildingID string) error {
	if u.Role == store.RoleSuperAdmin {
		return nil
	}
	if u.Role == store.RoleBuildingAdmin && u.BuildingID == buildingID {
		return nil
	}
	return denied()
}

func requireBuildingAdmin(u *store.User, buildingID string) error {
	return RequireBuildingAdmin(u, buildingID)
}

// RequireHost passes the roles that may own visits. Residents and building
// admins must be approved first; security staff never host.
func RequireHost(u *store.User) error {
	switch u.Role {
	case store.RoleSuperAdmin:
		return nil
	case store.RoleResident, store.RoleBuildingAdmin:
		if !u.Verified {
			return denied()
		}
		return nil
	}
	return denied()
}

// RequireVisitAccess passes the host of the visit and admins of its building.
func RequireVisitAccess(u *store.User, v *store.Visit) error {
	if u.ID == v.HostID {
		return nil
	}
	return RequireBuildingAdmin(u, v.BuildingID)
}

// RequireScanner passes security staff and admins of the given building.
// Scanning is a gate operation; residents never scan.
func RequireScanner(u *store.User, buildingID string) error {
	if u.Role == store.RoleSuperAdmin {
		return nil
	}
	if u.BuildingID != buildingID {
		return denied()
	}
	switch u.Role {
	case store.RoleSecurity, store.RoleBuildingAdmin:
		return nil
	}
	return denied()
}

// RequireBuildingMember passes anyone attached to the given building, plus
// super admins.
func RequireBuildingMember(u *store.User, buildingID string) error {
	if u.Role == store.RoleSuperAdmin {
		return nil
	}
	if u.BuildingID != buildingID {
		return denied()
	}
	return nil
}
