package policy

import (
	"testing"

	"github.com/metahuman-os/metahuman/pkg/models"
)

func TestDecideTable(t *testing.T) {
	tests := []struct {
		name   string
		role   models.Role
		mode   models.CognitiveMode
		op     Operation
		allow  bool
		reason string
	}{
		{"anyone reads public", models.RoleAnonymous, models.ModeEmulation, OpReadPublic, true, ""},
		{"anonymous profile read denied", models.RoleAnonymous, models.ModeAgent, OpReadProfile, false, ReasonAnonymousDenied},
		{"guest reads profile", models.RoleGuest, models.ModeAgent, OpReadProfile, true, ""},
		{"standard writes in agent mode", models.RoleStandard, models.ModeAgent, OpWriteProfile, true, ""},
		{"owner writes in dual mode", models.RoleOwner, models.ModeDualConsciousness, OpWriteProfile, true, ""},
		{"emulation blocks writes", models.RoleOwner, models.ModeEmulation, OpWriteProfile, false, ReasonModeReadOnly},
		{"guest pinned to emulation for writes", models.RoleGuest, models.ModeAgent, OpWriteProfile, false, ReasonRoleDenied},
		{"standard cannot mutate config", models.RoleStandard, models.ModeAgent, OpMutateConfig, false, ReasonRoleDenied},
		{"owner mutates config", models.RoleOwner, models.ModeAgent, OpMutateConfig, true, ""},
		{"high security locks config", models.RoleOwner, models.ModeHighSecurity, OpMutateConfig, false, ReasonHighSecurity},
		{"high security blocks writes", models.RoleOwner, models.ModeHighSecurity, OpWriteProfile, false, ReasonModeReadOnly},
		{"high security allows reads", models.RoleStandard, models.ModeHighSecurity, OpReadProfile, true, ""},
		{"only owner starts agents", models.RoleStandard, models.ModeAgent, OpStartAgent, false, ReasonRoleDenied},
		{"owner starts agents", models.RoleOwner, models.ModeAgent, OpStartAgent, true, ""},
		{"operator needs agent mode", models.RoleOwner, models.ModeEmulation, OpRunOperator, false, ReasonOperatorMode},
		{"operator in agent mode", models.RoleOwner, models.ModeAgent, OpRunOperator, true, ""},
		{"guest cannot run operator", models.RoleGuest, models.ModeAgent, OpRunOperator, false, ReasonRoleDenied},
		{"only owner manages users", models.RoleStandard, models.ModeAgent, OpManageUsers, false, ReasonRoleDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.role, tt.mode, tt.op)
			if d.Allow != tt.allow {
				t.Errorf("Decide(%s, %s, %s).Allow = %v, want %v", tt.role, tt.mode, tt.op, d.Allow, tt.allow)
			}
			if !tt.allow && d.Reason != tt.reason {
				t.Errorf("Decide(%s, %s, %s).Reason = %q, want %q", tt.role, tt.mode, tt.op, d.Reason, tt.reason)
			}
			if tt.allow && d.Reason != "" {
				t.Errorf("allowed decision carries reason %q", d.Reason)
			}
		})
	}
}

// Granting a stronger role never turns an allowed operation into a
// denied one.
func TestRoleMonotonicity(t *testing.T) {
	order := []models.Role{models.RoleAnonymous, models.RoleGuest, models.RoleStandard, models.RoleOwner}
	ops := []Operation{OpReadPublic, OpReadProfile, OpWriteProfile, OpMutateConfig, OpStartAgent, OpRunOperator, OpManageUsers}
	modes := []models.CognitiveMode{models.ModeEmulation, models.ModeAgent, models.ModeDualConsciousness, models.ModeHighSecurity}

	for _, mode := range modes {
		for _, op := range ops {
			for i := 0; i < len(order)-1; i++ {
				weaker := Decide(order[i], mode, op)
				stronger := Decide(order[i+1], mode, op)
				if weaker.Allow && !stronger.Allow {
					t.Errorf("role %s allowed %s in %s but %s denied", order[i], op, mode, order[i+1])
				}
			}
		}
	}
}

func TestModeHolderSwitch(t *testing.T) {
	h := NewModeHolder(false, false)

	mode, v1 := h.Mode()
	if mode != models.ModeEmulation {
		t.Fatalf("initial mode = %s, want emulation", mode)
	}

	if err := h.SetMode(models.ModeAgent); err != nil {
		t.Fatalf("SetMode(agent) failed: %v", err)
	}
	mode, v2 := h.Mode()
	if mode != models.ModeAgent {
		t.Errorf("mode = %s, want agent", mode)
	}
	if v2 <= v1 {
		t.Errorf("version did not advance: %d -> %d", v1, v2)
	}

	if err := h.SetMode("bogus"); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestModeHolderHighSecurityLock(t *testing.T) {
	h := NewModeHolder(true, false)

	mode, _ := h.Mode()
	if mode != models.ModeHighSecurity {
		t.Fatalf("mode = %s, want high-security", mode)
	}
	if err := h.SetMode(models.ModeAgent); err == nil {
		t.Error("expected high-security lock to reject mode change")
	}
}

func TestModeHolderWetwareDeceased(t *testing.T) {
	h := NewModeHolder(false, true)
	if err := h.SetMode(models.ModeDualConsciousness); err == nil {
		t.Error("expected dual-consciousness to be rejected when wetware is deceased")
	}
	if err := h.SetMode(models.ModeAgent); err != nil {
		t.Errorf("agent mode should remain available: %v", err)
	}
}
