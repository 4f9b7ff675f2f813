package authz

import (
	"errors"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const grantModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// Authorizer answers the plain (role, table, action) grant lookup. Anything
// without an explicit policy line is denied.
type Authorizer struct {
	enforcer *casbin.SyncedEnforcer
}

func NewAuthorizer(rules []Rule) (*Authorizer, error) {
	m, err := model.NewModelFromString(grantModel)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if len(rules) > 0 {
		policies := make([][]string, 0, len(rules))
		for _, r := range rules {
			policies = append(policies, []string{SubjectFromRoleSlug(r.Role), r.Table, r.Action})
		}
		if _, err := enforcer.AddPolicies(policies); err != nil {
			return nil, err
		}
	}
	return &Authorizer{enforcer: enforcer}, nil
}

func SubjectFromRoleSlug(roleSlug string) string {
	roleSlug = strings.TrimSpace(strings.ToLower(roleSlug))
	if roleSlug == "" {
		roleSlug = RoleAnonymous
	}
	return "role:" + roleSlug
}

func (a *Authorizer) Authorize(subject string, object string, action string) (bool, error) {
	if a == nil || a.enforcer == nil {
		return false, errors.New("authz: authorizer not configured")
	}
	return a.enforcer.Enforce(subject, object, action)
}
