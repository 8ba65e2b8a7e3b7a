// Package authz decides which entity fields an actor may write, backed by a
// casbin enforcer.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/liamcoop/automation/ports"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// ParseMode validates a configured mode. Disabling authorization must be
// acknowledged explicitly with allowDisabled.
func ParseMode(raw string, allowDisabled bool) (Mode, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ModeEnforce, nil
	}
	switch Mode(raw) {
	case ModeEnforce, ModeShadow:
		return Mode(raw), nil
	case ModeDisabled:
		if !allowDisabled {
			return "", errors.New("authz: mode disabled requires the unsafe allow flag")
		}
		return ModeDisabled, nil
	default:
		return "", errors.New("authz: invalid mode (expected enforce|shadow|disabled)")
	}
}

const (
	ActionWrite = "write"

	// SystemSubject is the subject of writes made without a requesting user.
	SystemSubject = "system:automation"
	// AnyDomain in a policy matches every legal entity.
	AnyDomain = "*"
)

// DefaultModel is a domain-aware RBAC model. Objects are
// "<entity_type>.<field>" and may use keyMatch wildcards; subjects match
// directly, through a role, or by keyMatch pattern.
const DefaultModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || keyMatch(r.sub, p.sub)) && (p.dom == "*" || r.dom == p.dom) && keyMatch(r.obj, p.obj) && r.act == p.act
`

// DefaultPolicy lets the automation system and every user write every field.
var DefaultPolicy = [][]string{
	{SystemSubject, AnyDomain, "*", ActionWrite},
	{"user:*", AnyDomain, "*", ActionWrite},
}

// SubjectFromActor maps a user id to a casbin subject.
func SubjectFromActor(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return SystemSubject
	}
	return "user:" + actor
}

// ObjectFor names a field of an entity type.
func ObjectFor(resource, field string) string {
	return resource + "." + field
}

type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
	logger   *slog.Logger
}

var _ ports.FieldWriteAuthorizer = (*Authorizer)(nil)

// NewAuthorizer loads a model file and a CSV policy file.
func NewAuthorizer(modelPath, policyPath string, mode Mode, logger *slog.Logger) (*Authorizer, error) {
	adapter := fileadapter.NewAdapter(policyPath)
	enforcer, err := casbin.NewEnforcer(modelPath)
	if err != nil {
		return nil, err
	}
	enforcer.SetAdapter(adapter)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	return newAuthorizer(enforcer, mode, logger), nil
}

// NewFromPolicies builds an authorizer over DefaultModel from in-memory
// policy and grouping rules.
func NewFromPolicies(policies, groupings [][]string, mode Mode, logger *slog.Logger) (*Authorizer, error) {
	m, err := model.NewModelFromString(DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("authz: load model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if _, err := enforcer.AddPolicy(toParams(p)...); err != nil {
			return nil, fmt.Errorf("authz: add policy %v: %w", p, err)
		}
	}
	for _, g := range groupings {
		if _, err := enforcer.AddGroupingPolicy(toParams(g)...); err != nil {
			return nil, fmt.Errorf("authz: add grouping %v: %w", g, err)
		}
	}
	return newAuthorizer(enforcer, mode, logger), nil
}

func newAuthorizer(enforcer *casbin.Enforcer, mode Mode, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{enforcer: enforcer, mode: mode, logger: logger}
}

func toParams(rule []string) []interface{} {
	out := make([]interface{}, len(rule))
	for i, v := range rule {
		out[i] = v
	}
	return out
}

// Authorize reports whether subject may act on object in domain, and
// whether the decision is enforced.
func (a *Authorizer) Authorize(subject, domain, object, action string) (allowed bool, enforced bool, err error) {
	switch a.mode {
	case ModeDisabled:
		return true, false, nil
	case ModeShadow:
		ok, err := a.enforcer.Enforce(subject, domain, object, action)
		if err != nil {
			return false, false, err
		}
		return ok, false, nil
	case ModeEnforce:
		ok, err := a.enforcer.Enforce(subject, domain, object, action)
		if err != nil {
			return false, true, err
		}
		return ok, true, nil
	default:
		return false, false, errors.New("authz: unknown mode")
	}
}

// AuthorizeWrite implements ports.FieldWriteAuthorizer. In shadow mode
// denials are logged and the write is allowed.
func (a *Authorizer) AuthorizeWrite(ctx context.Context, resource string, fields map[string]any, actor string, scope ports.ScopeInfo) error {
	subject := SubjectFromActor(actor)
	domain := scope.LegalEntityID
	if domain == "" {
		domain = AnyDomain
	}

	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	var forbidden []string
	for _, f := range names {
		allowed, enforced, err := a.Authorize(subject, domain, ObjectFor(resource, f), ActionWrite)
		if err != nil {
			return &ports.AuthorizationError{Actor: subject, Action: "write " + resource, Reason: err.Error()}
		}
		if allowed {
			continue
		}
		if !enforced {
			a.logger.WarnContext(ctx, "authz shadow denial",
				"subject", subject,
				"domain", domain,
				"object", ObjectFor(resource, f),
			)
			continue
		}
		forbidden = append(forbidden, f)
	}
	if len(forbidden) > 0 {
		return &ports.ForbiddenFieldsError{Resource: resource, Fields: forbidden}
	}
	return nil
}
