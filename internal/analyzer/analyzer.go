package analyzer

import (
	"regexp"
	"strconv"
	"strings"
)

type Severity int

const (
	SeverityNone Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "none"
	}
}

const (
	SigUnionSelect       = "union_select"
	SigCommentTruncation = "comment_truncation"
	SigStackedStatement  = "stacked_statement"
	SigAlwaysTrue        = "always_true"
	SigTenantBypass      = "tenant_bypass"
	SigTenantOrBranch    = "tenant_or_branch"
	SigMassMutation      = "mass_mutation"
	SigTimeProbe         = "time_probe"
	SigWhereTautology    = "where_tautology"
	SigCatalogProbe      = "catalog_probe"
	SigHexLiteral        = "hex_literal"
	SigCharEncoding      = "char_encoding"
	SigRawMutation       = "raw_mutation"
	SigMissingTenant     = "missing_tenant_scope"
	SigMalformed         = "malformed_fragment"
	SigUnscopedSource    = "unscoped_source"
)

type signature struct {
	name     string
	severity Severity
	re       *regexp.Regexp
}

type Finding struct {
	Signature string
	Severity  Severity
	Match     string
}

type Result struct {
	Severity Severity
	Findings []Finding
}

// Blocked reports a high-severity match; such fragments never reach the store.
func (r Result) Blocked() bool { return r.Severity >= SeverityHigh }

func (r Result) Suspicious() bool { return r.Severity == SeverityMedium }

func (r Result) Signatures() []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.Signature)
	}
	return out
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity > r.Severity {
		r.Severity = f.Severity
	}
}

// Analyzer classifies raw SQL fragments against a fixed signature set. It is
// defense in depth: every statement it lets through is still parameterized.
type Analyzer struct {
	signatures []signature
	readOnly   *regexp.Regexp
	writeVerb  *regexp.Regexp
	tenantBind *regexp.Regexp
	source     *regexp.Regexp
}

func New() *Analyzer {
	return &Analyzer{
		signatures: []signature{
			{SigUnionSelect, SeverityHigh, regexp.MustCompile(`(?i)\bunion\b(\s+all|\s+distinct)?\s+select\b`)},
			{SigCommentTruncation, SeverityHigh, regexp.MustCompile(`--|/\*|\*/`)},
			{SigStackedStatement, SeverityHigh, regexp.MustCompile(`;\s*\S`)},
			{SigAlwaysTrue, SeverityHigh, regexp.MustCompile(`(?i)\bor\b[\s(]*(?:'?\d+'?\s*=\s*'?\d+'?|true\b|'[a-z]*'\s*=\s*'[a-z]*'|not\b[\s(]*(?:false|0)\b)`)},
			{SigTenantBypass, SeverityHigh, regexp.MustCompile(`(?i)\btenant_id\b\s*(?:!=|<>|<=|>=|<|>|\bnot\b|\bis\b|\bin\b|\blike\b|\bilike\b|\bbetween\b)`)},
			{SigTenantBypass, SeverityHigh, regexp.MustCompile(`(?i)\btenant_id\b\s*=\s*(?:[^?$:@\s]|$)`)},
			{SigTenantBypass, SeverityHigh, regexp.MustCompile("(?i)[\"`\\[]tenant_id[\"`\\]]")},
			{SigTenantOrBranch, SeverityHigh, regexp.MustCompile(`(?i)\bor\b[\s(]*(?:\w+\.)?tenant_id\b`)},
			{SigMassMutation, SeverityHigh, regexp.MustCompile(`(?is)^\s*(?:delete|update)\b.*\bwhere\s+(?:1\s*=\s*1|true)\b`)},
			{SigMassMutation, SeverityHigh, regexp.MustCompile(`(?i)^\s*delete\s+from\s+[\w.]+\s*;?\s*$`)},
			{SigTimeProbe, SeverityHigh, regexp.MustCompile(`(?i)\b(?:pg_sleep|sleep|benchmark)\s*\(|\bwaitfor\s+delay\b`)},
			{SigWhereTautology, SeverityMedium, regexp.MustCompile(`(?i)\bwhere\s+(?:1\s*=\s*1|true)\b`)},
			{SigCatalogProbe, SeverityMedium, regexp.MustCompile(`(?i)\b(?:information_schema|pg_catalog|pg_shadow|pg_user|sqlite_master|sqlite_schema)\b`)},
			{SigHexLiteral, SeverityMedium, regexp.MustCompile(`(?i)\b0x[0-9a-f]{8,}\b`)},
			{SigCharEncoding, SeverityMedium, regexp.MustCompile(`(?i)\b(?:char|chr)\s*\(\s*\d+`)},
		},
		readOnly:   regexp.MustCompile(`(?i)^\s*(?:select|with)\b`),
		writeVerb:  regexp.MustCompile(`(?i)\b(?:insert|update|delete|drop|alter|create|truncate|grant|revoke|copy|attach|pragma|vacuum)\b`),
		tenantBind: regexp.MustCompile(`(?i)\btenant_id\b\s*=\s*(\?|\$\d+|:\w+|@\w+)`),
		source:     regexp.MustCompile(`(?i)\b(?:from|join)\b`),
	}
}

// Analyze classifies a predicate or statement fragment.
func (a *Analyzer) Analyze(fragment string) Result {
	var r Result
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return r
	}
	seen := make(map[string]bool)
	if m, ok := malformed(fragment); ok {
		seen[SigMalformed] = true
		r.add(Finding{Signature: SigMalformed, Severity: SeverityHigh, Match: m})
	}
	for _, sig := range a.signatures {
		if seen[sig.name] {
			continue
		}
		loc := sig.re.FindStringIndex(fragment)
		if loc == nil {
			continue
		}
		m := fragment[loc[0]:loc[1]]
		// A mass mutation already covers the weaker tautology finding.
		if sig.name == SigWhereTautology && seen[SigMassMutation] {
			continue
		}
		seen[sig.name] = true
		r.add(Finding{Signature: sig.name, Severity: sig.severity, Match: truncate(m, 64)})
	}
	return r
}

// AnalyzeStatement applies Analyze plus the rules for complete raw
// statements: read-only, and scoped by a bound tenant_id predicate.
func (a *Analyzer) AnalyzeStatement(sql string) Result {
	r := a.Analyze(sql)
	if !a.readOnly.MatchString(sql) {
		r.add(Finding{Signature: SigRawMutation, Severity: SeverityHigh, Match: truncate(strings.TrimSpace(sql), 16)})
	} else if m := a.writeVerb.FindString(sql); m != "" {
		r.add(Finding{Signature: SigRawMutation, Severity: SeverityHigh, Match: m})
	}
	binds := len(a.tenantBind.FindAllStringIndex(sql, -1))
	if binds == 0 {
		r.add(Finding{Signature: SigMissingTenant, Severity: SeverityHigh})
	} else if sources := len(a.source.FindAllStringIndex(sql, -1)); sources > binds {
		// Every table reference, subqueries included, needs its own bound
		// tenant predicate.
		r.add(Finding{Signature: SigUnscopedSource, Severity: SeverityHigh,
			Match: strconv.Itoa(sources) + " sources, " + strconv.Itoa(binds) + " tenant predicates"})
	}
	return r
}

// TenantArgs returns the argument positions bound to tenant_id equality
// predicates in sql, for ? and $n placeholders. ok is false when a predicate
// uses a placeholder whose position cannot be resolved.
func (a *Analyzer) TenantArgs(sql string) (positions []int, ok bool) {
	for _, m := range a.tenantBind.FindAllStringSubmatchIndex(sql, -1) {
		ph := sql[m[2]:m[3]]
		switch {
		case ph == "?":
			positions = append(positions, strings.Count(sql[:m[2]], "?"))
		case strings.HasPrefix(ph, "$"):
			n, err := strconv.Atoi(ph[1:])
			if err != nil || n < 1 {
				return nil, false
			}
			positions = append(positions, n-1)
		default:
			return nil, false
		}
	}
	return positions, true
}

// malformed reports a fragment that could close the parenthesis it is
// wrapped in: unbalanced parentheses, an unterminated quote, or a ?
// placeholder inside a quoted literal.
func malformed(s string) (string, bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case c == quote && i+1 < len(s) && s[i+1] == quote:
				i++
			case c == quote:
				quote = 0
			case c == '?':
				return "placeholder in literal", true
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return "unbalanced )", true
			}
		}
	}
	if quote != 0 {
		return "unterminated quote", true
	}
	if depth != 0 {
		return "unbalanced (", true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
