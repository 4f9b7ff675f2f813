package authz

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

//go:embed matrix.yaml
var defaultMatrixYAML []byte

const (
	ReasonGranted          = "granted"
	ReasonOverride         = "override_role"
	ReasonUnknownTable     = "unknown_table"
	ReasonUnknownAction    = "unknown_action"
	ReasonImmutableTable   = "immutable_table"
	ReasonNoGrant          = "no_grant"
	ReasonMatrixError      = "matrix_error"
	reasonRefinementPrefix = "refinement:"
)

type Rule struct {
	Role   string `json:"role"`
	Table  string `json:"table"`
	Action string `json:"action"`
}

type Table struct {
	Name       string
	Columns    []string
	SoftDelete string
	Immutable  bool
	Virtual    bool

	columnSet map[string]struct{}
}

func (t Table) HasColumn(column string) bool {
	_, ok := t.columnSet[column]
	return ok
}

type Decision struct {
	Allowed bool
	Reason  string
}

type matrixFile struct {
	Version      int                            `yaml:"version"`
	OverrideRole string                         `yaml:"override_role"`
	Tables       map[string]tableFile           `yaml:"tables"`
	Grants       map[string]map[string][]string `yaml:"grants"`
	Refinements  []refinementFile               `yaml:"refinements"`
}

type tableFile struct {
	Columns    []string `yaml:"columns"`
	SoftDelete string   `yaml:"soft_delete"`
	Immutable  bool     `yaml:"immutable"`
	Virtual    bool     `yaml:"virtual"`
}

type refinementFile struct {
	ID      string   `yaml:"id"`
	Table   string   `yaml:"table"`
	Actions []string `yaml:"actions"`
	When    string   `yaml:"when"`
	Require string   `yaml:"require"`
}

type refinement struct {
	id      string
	table   string
	actions map[string]struct{}
	when    cel.Program
	require cel.Program
}

// Matrix is the role x table x action permission table plus its refinement
// predicates. It is immutable after load and safe for concurrent use.
type Matrix struct {
	overrideRole string
	tables       map[string]Table
	rules        []Rule
	authorizer   *Authorizer
	refinements  []refinement
}

// LoadMatrix reads the matrix file at path, or the embedded default when path
// is empty.
func LoadMatrix(path string) (*Matrix, error) {
	if strings.TrimSpace(path) == "" {
		return ParseMatrixYAML(defaultMatrixYAML)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseMatrixYAML(b)
}

func DefaultMatrix() (*Matrix, error) {
	return ParseMatrixYAML(defaultMatrixYAML)
}

func ParseMatrixYAML(b []byte) (*Matrix, error) {
	var f matrixFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Version != 1 {
		return nil, errors.New("authz: unsupported matrix version")
	}
	if len(f.Tables) == 0 {
		return nil, errors.New("authz: matrix has no tables")
	}

	m := &Matrix{
		overrideRole: strings.ToLower(strings.TrimSpace(f.OverrideRole)),
		tables:       make(map[string]Table, len(f.Tables)),
	}
	for name, tf := range f.Tables {
		t, err := compileTable(name, tf)
		if err != nil {
			return nil, err
		}
		m.tables[t.Name] = t
	}

	seen := make(map[Rule]struct{})
	for role, tables := range f.Grants {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" || role == RoleAnonymous {
			return nil, fmt.Errorf("authz: invalid grant role %q", role)
		}
		for table, actions := range tables {
			if _, ok := m.tables[table]; !ok {
				return nil, fmt.Errorf("authz: grant for unknown table %q", table)
			}
			for _, raw := range actions {
				for _, action := range expandAlias(strings.ToLower(strings.TrimSpace(raw))) {
					if !IsAction(action) {
						return nil, fmt.Errorf("authz: unknown action %q for %s/%s", raw, role, table)
					}
					r := Rule{Role: role, Table: table, Action: action}
					if _, dup := seen[r]; dup {
						continue
					}
					seen[r] = struct{}{}
					m.rules = append(m.rules, r)
				}
			}
		}
	}
	sort.Slice(m.rules, func(i, j int) bool {
		a, b := m.rules[i], m.rules[j]
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.Action < b.Action
	})

	authorizer, err := NewAuthorizer(m.rules)
	if err != nil {
		return nil, err
	}
	m.authorizer = authorizer

	env, err := newRefinementEnv()
	if err != nil {
		return nil, err
	}
	for _, rf := range f.Refinements {
		r, err := compileRefinement(env, rf, m.tables)
		if err != nil {
			return nil, err
		}
		m.refinements = append(m.refinements, r)
	}
	return m, nil
}

func compileTable(name string, tf tableFile) (Table, error) {
	name = strings.TrimSpace(name)
	if !isIdentifier(name) {
		return Table{}, fmt.Errorf("authz: invalid table name %q", name)
	}
	t := Table{
		Name:       name,
		SoftDelete: strings.TrimSpace(tf.SoftDelete),
		Immutable:  tf.Immutable,
		Virtual:    tf.Virtual,
		columnSet:  make(map[string]struct{}, len(tf.Columns)),
	}
	if tf.Virtual {
		return t, nil
	}
	for _, c := range tf.Columns {
		c = strings.TrimSpace(c)
		if !isIdentifier(c) {
			return Table{}, fmt.Errorf("authz: invalid column %q on %s", c, name)
		}
		t.Columns = append(t.Columns, c)
		t.columnSet[c] = struct{}{}
	}
	if !t.HasColumn(ColumnTenantID) || !t.HasColumn(ColumnID) {
		return Table{}, fmt.Errorf("authz: table %s must declare id and tenant_id", name)
	}
	if t.SoftDelete != "" && !t.HasColumn(t.SoftDelete) {
		return Table{}, fmt.Errorf("authz: soft delete column %q not declared on %s", t.SoftDelete, name)
	}
	return t, nil
}

func newRefinementEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("role", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("table", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func compileRefinement(env *cel.Env, rf refinementFile, tables map[string]Table) (refinement, error) {
	if strings.TrimSpace(rf.ID) == "" {
		return refinement{}, errors.New("authz: refinement id required")
	}
	if _, ok := tables[rf.Table]; !ok {
		return refinement{}, fmt.Errorf("authz: refinement %s references unknown table %q", rf.ID, rf.Table)
	}
	r := refinement{id: rf.ID, table: rf.Table, actions: make(map[string]struct{}, len(rf.Actions))}
	for _, a := range rf.Actions {
		if !IsAction(a) {
			return refinement{}, fmt.Errorf("authz: refinement %s has unknown action %q", rf.ID, a)
		}
		r.actions[a] = struct{}{}
	}
	var err error
	if r.when, err = compileBool(env, rf.When, "true"); err != nil {
		return refinement{}, fmt.Errorf("authz: refinement %s when: %w", rf.ID, err)
	}
	if r.require, err = compileBool(env, rf.Require, ""); err != nil {
		return refinement{}, fmt.Errorf("authz: refinement %s require: %w", rf.ID, err)
	}
	return r, nil
}

func compileBool(env *cel.Env, expr string, def string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = def
	}
	if expr == "" {
		return nil, errors.New("expression required")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("expression output type mismatch")
	}
	return env.Program(ast)
}

// Allowed reports whether role may perform action on table with payload.
func (m *Matrix) Allowed(role, action, table string, payload map[string]any) bool {
	return m.Decide(role, action, table, payload).Allowed
}

// Decide is Allowed with the reason code that goes to the audit trail.
func (m *Matrix) Decide(role, action, table string, payload map[string]any) Decision {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleAnonymous
	}
	t, ok := m.tables[table]
	if !ok {
		return Decision{Reason: ReasonUnknownTable}
	}
	if !IsAction(action) {
		return Decision{Reason: ReasonUnknownAction}
	}
	if t.Immutable && IsWriteAction(action) {
		return Decision{Reason: ReasonImmutableTable}
	}
	if m.overrideRole != "" && role == m.overrideRole {
		return Decision{Allowed: true, Reason: ReasonOverride}
	}

	granted, err := m.authorizer.Authorize(SubjectFromRoleSlug(role), table, action)
	if err != nil {
		return Decision{Reason: ReasonMatrixError}
	}
	if !granted {
		return Decision{Reason: ReasonNoGrant}
	}

	if payload == nil {
		payload = map[string]any{}
	}
	vars := map[string]any{"role": role, "action": action, "table": table, "payload": payload}
	for _, r := range m.refinements {
		if r.table != table {
			continue
		}
		if _, ok := r.actions[action]; !ok {
			continue
		}
		applies, err := evalBool(r.when, vars)
		if err != nil {
			return Decision{Reason: reasonRefinementPrefix + r.id}
		}
		if !applies {
			continue
		}
		ok, err := evalBool(r.require, vars)
		if err != nil || !ok {
			return Decision{Reason: reasonRefinementPrefix + r.id}
		}
	}
	return Decision{Allowed: true, Reason: ReasonGranted}
}

func evalBool(program cel.Program, vars map[string]any) (bool, error) {
	out, _, err := program.Eval(vars)
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("authz: non-bool refinement result")
	}
	return v, nil
}

func (m *Matrix) OverrideRole() string { return m.overrideRole }

func (m *Matrix) Table(name string) (Table, bool) {
	t, ok := m.tables[name]
	return t, ok
}

// Tables returns every declared table, sorted by name.
func (m *Matrix) Tables() []Table {
	out := make([]Table, 0, len(m.tables))
	for _, t := range m.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Matrix) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// UncoveredTables lists tables that no grant mentions. The override role does
// not count as coverage.
func (m *Matrix) UncoveredTables() []string {
	covered := make(map[string]struct{}, len(m.tables))
	for _, r := range m.rules {
		covered[r.Table] = struct{}{}
	}
	var out []string
	for name := range m.tables {
		if _, ok := covered[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func IsRefinementReason(reason string) bool {
	return strings.HasPrefix(reason, reasonRefinementPrefix)
}

func isIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch == '_':
		case ch >= '0' && ch <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// IsIdentifier reports whether s is a lower-case SQL identifier as accepted
// in the matrix.
func IsIdentifier(s string) bool { return isIdentifier(s) }
