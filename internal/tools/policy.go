package tools

import (
	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/pkg/protocol"
)

// Policy gates which tools a turn may invoke. Deny wins over allow; an
// empty allow list means "everything not denied". The strict profile
// additionally locks the side-effect-heavy built-ins behind an explicit
// allow.
type Policy struct {
	Profile string
	Allowed []string
	Denied  []string
}

// strictGated are the tools the strict profile refuses unless explicitly
// allowed.
var strictGated = map[string]bool{
	"shell": true,
	"web":   true,
}

// PolicyFromConfig builds a Policy from the tools config block.
func PolicyFromConfig(cfg config.ToolPolicyConfig) Policy {
	return Policy{
		Profile: cfg.Profile,
		Allowed: cfg.AllowedTools,
		Denied:  cfg.DeniedTools,
	}
}

// Check returns nil when name may run, or a policy_denied error naming the
// rule that blocked it.
func (p Policy) Check(name string) error {
	for _, denied := range p.Denied {
		if denied == name {
			return protocol.E(protocol.CodePolicyDenied, "tool %s denied by policy", name)
		}
	}

	explicitlyAllowed := false
	for _, allowed := range p.Allowed {
		if allowed == name {
			explicitlyAllowed = true
			break
		}
	}
	if len(p.Allowed) > 0 && !explicitlyAllowed {
		return protocol.E(protocol.CodePolicyDenied, "tool %s not in allowed tools", name)
	}

	if p.Profile == "strict" && strictGated[name] && !explicitlyAllowed {
		return protocol.E(protocol.CodePolicyDenied, "tool %s requires explicit allow under strict profile", name)
	}
	return nil
}

// Filter returns the subset of defs that pass the policy, preserving order.
// Used to shrink the tool list handed to providers so models never see
// tools they cannot call.
func (p Policy) Filter(defs []Definition) []Definition {
	out := make([]Definition, 0, len(defs))
	for _, def := range defs {
		if p.Check(def.Name) == nil {
			out = append(out, def)
		}
	}
	return out
}
