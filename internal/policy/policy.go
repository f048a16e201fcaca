// Package policy implements the security decision function: given a
// role, the process-wide cognitive mode, and an operation, it answers
// allow or deny-with-reason. Decisions carry stable reason codes and
// never include the attempted path.
package policy

import (
	"github.com/metahuman-os/metahuman/pkg/models"
)

// Operation is a coarse capability a handler requests.
type Operation string

const (
	OpReadPublic   Operation = "read-public"
	OpReadProfile  Operation = "read-profile"
	OpWriteProfile Operation = "write-profile"
	OpMutateConfig Operation = "mutate-config"
	OpStartAgent   Operation = "start-agent"
	OpRunOperator  Operation = "run-operator"
	OpManageUsers  Operation = "manage-users"
)

// Stable denial reason codes.
const (
	ReasonModeReadOnly    = "mode_read_only"
	ReasonHighSecurity    = "high_security"
	ReasonRoleDenied      = "role_denied"
	ReasonAnonymousDenied = "anonymous_denied"
	ReasonOperatorMode    = "operator_mode_required"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allow  bool
	Reason string // stable reason code, set when denied
}

func allow() Decision        { return Decision{Allow: true} }
func deny(r string) Decision { return Decision{Allow: false, Reason: r} }

// Decide is the pure decision function. Guests are pinned to emulation
// regardless of the process mode; high-security forces emulation and
// denies every non-read operation.
func Decide(role models.Role, mode models.CognitiveMode, op Operation) Decision {
	// High-security collapses the mode to emulation for everyone and
	// additionally locks config mutation.
	highSecurity := mode == models.ModeHighSecurity
	if highSecurity {
		mode = models.ModeEmulation
	}

	// Guests never see a non-emulation mode.
	if role == models.RoleGuest {
		mode = models.ModeEmulation
	}

	switch op {
	case OpReadPublic:
		return allow()

	case OpReadProfile:
		if role == models.RoleAnonymous {
			return deny(ReasonAnonymousDenied)
		}
		return allow()

	case OpWriteProfile:
		if role != models.RoleOwner && role != models.RoleStandard {
			return deny(ReasonRoleDenied)
		}
		if mode == models.ModeEmulation {
			return deny(ReasonModeReadOnly)
		}
		return allow()

	case OpMutateConfig:
		if role != models.RoleOwner {
			return deny(ReasonRoleDenied)
		}
		if highSecurity {
			return deny(ReasonHighSecurity)
		}
		return allow()

	case OpStartAgent, OpManageUsers:
		if role != models.RoleOwner {
			return deny(ReasonRoleDenied)
		}
		if highSecurity {
			return deny(ReasonHighSecurity)
		}
		return allow()

	case OpRunOperator:
		if role != models.RoleOwner {
			return deny(ReasonRoleDenied)
		}
		if mode != models.ModeAgent {
			return deny(ReasonOperatorMode)
		}
		return allow()
	}

	return deny(ReasonRoleDenied)
}
