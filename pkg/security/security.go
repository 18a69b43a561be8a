// Package security authorizes caller operations and strips personal data
// from content before it is stored or embedded.
package security

import (
	"regexp"
	"slices"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
)

// Operation is a permission checked by Authorize.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
	OpAdmin  Operation = "admin"
	OpSystem Operation = "system"
)

var permissions = map[entity.Role][]Operation{
	entity.RoleAdmin:  {OpRead, OpWrite, OpDelete, OpAdmin},
	entity.RoleUser:   {OpRead, OpWrite},
	entity.RoleViewer: {OpRead},
	entity.RoleSystem: {OpRead, OpWrite, OpDelete, OpAdmin, OpSystem},
}

// Allowed reports whether role grants op, ignoring tenancy.
func Allowed(role entity.Role, op Operation) bool {
	return slices.Contains(permissions[role], op)
}

// Placeholders written in place of detected personal data.
const (
	EmailPlaceholder      = "[EMAIL_REDACTED]"
	SSNPlaceholder        = "[SSN_REDACTED]"
	CreditCardPlaceholder = "[CREDIT_CARD_REDACTED]"
	PhonePlaceholder      = "[PHONE_REDACTED]"
)

type rule struct {
	name        string
	pattern     *regexp.Regexp
	placeholder string
}

// Applied in order: card numbers before SSNs and phones so that a long
// digit run is not split into smaller matches.
var rules = []rule{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), EmailPlaceholder},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), CreditCardPlaceholder},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), SSNPlaceholder},
	{"phone", regexp.MustCompile(`(?:\+?1[-.\s]?)?(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`), PhonePlaceholder},
}

// Gate is the single authorization and redaction point of the service.
type Gate struct{}

// NewGate returns a Gate with the fixed role table.
func NewGate() *Gate {
	return &Gate{}
}

// Authorize checks that role may perform op on targetTenant while acting
// for tenant. Only the system role may cross tenants.
func (g *Gate) Authorize(role entity.Role, op Operation, tenant, targetTenant entity.TenantID) error {
	if _, ok := permissions[role]; !ok {
		log.Warn("Denied operation for unknown role", "role", role, "operation", op)
		return errors.Wrap(errors.ErrPermissionDenied, "unknown role %q", role)
	}
	if tenant != targetTenant && role != entity.RoleSystem {
		log.Warn("Denied cross-tenant operation",
			"role", role, "operation", op, "tenant_id", tenant, "target_tenant_id", targetTenant)
		return errors.Wrap(errors.ErrCrossTenantDenied, "%s may not act on tenant %s", role, targetTenant)
	}
	if !Allowed(role, op) {
		log.Warn("Denied operation", "role", role, "operation", op, "tenant_id", tenant)
		return errors.Wrap(errors.ErrPermissionDenied, "role %s lacks %s", role, op)
	}
	return nil
}

// AuthorizeCaller is Authorize for a caller acting on its own tenant or on target.
func (g *Gate) AuthorizeCaller(caller entity.Context, op Operation, target entity.TenantID) error {
	if target == "" {
		target = caller.TenantID
	}
	return g.Authorize(caller.Role, op, caller.TenantID, target)
}

// ScrubPII replaces emails, SSNs, card numbers and phone numbers with
// typed placeholders. The original text cannot be recovered.
func (g *Gate) ScrubPII(text string) string {
	return ScrubPII(text)
}

// ScrubMetadata returns a copy of md with every string value scrubbed,
// descending into nested maps and slices.
func (g *Gate) ScrubMetadata(md map[string]any) map[string]any {
	return ScrubMetadata(md)
}

// ScrubPII is the package-level form of Gate.ScrubPII.
func ScrubPII(text string) string {
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			log.Debug("Redacted personal data", "kind", r.name)
			text = r.pattern.ReplaceAllLiteralString(text, r.placeholder)
		}
	}
	return text
}

// ScrubMetadata is the package-level form of Gate.ScrubMetadata.
func ScrubMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case string:
		return ScrubPII(val)
	case map[string]any:
		return ScrubMetadata(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = ScrubPII(s)
		}
		return out
	default:
		return v
	}
}
