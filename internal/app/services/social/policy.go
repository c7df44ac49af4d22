package social

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/plaza-social/plaza/internal/database"
)

// Community actions checked against a member's role.
const (
	ActionRead     = "read"
	ActionPost     = "post"
	ActionModerate = "moderate"
	ActionManage   = "manage"
)

const rbacModel = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.act == p.act
`

// Policy decides what each community role may do. Owners inherit
// moderator rights, moderators inherit member rights.
type Policy struct {
	enforcer *casbin.SyncedEnforcer
}

// NewPolicy builds the community role policy.
func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("load rbac model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}

	if _, err := enforcer.AddPolicies([][]string{
		{roleKey(database.RoleMember), ActionRead},
		{roleKey(database.RoleMember), ActionPost},
		{roleKey(database.RoleModerator), ActionModerate},
		{roleKey(database.RoleOwner), ActionManage},
	}); err != nil {
		return nil, fmt.Errorf("add policies: %w", err)
	}
	if _, err := enforcer.AddGroupingPolicies([][]string{
		{roleKey(database.RoleModerator), roleKey(database.RoleMember)},
		{roleKey(database.RoleOwner), roleKey(database.RoleModerator)},
	}); err != nil {
		return nil, fmt.Errorf("add role hierarchy: %w", err)
	}
	return &Policy{enforcer: enforcer}, nil
}

// Can reports whether role may perform action.
func (p *Policy) Can(role, action string) (bool, error) {
	return p.enforcer.Enforce(roleKey(role), action)
}

func roleKey(role string) string { return "role:" + role }
