package core

import (
	"testing"
	"time"
)

func TestEnforcerQuotaDenial(t *testing.T) {
	e := NewEnforcer(Policy{Name: "default", MaxQuota: 100})
	key := LedgerKey{Scope: ScopeKey{Kind: ScopeIndividual, DID: "did:key:zAlice"}, Resource: ResourceMana}

	tok := ScopedResourceToken{Key: key, Quantity: 60}
	if decision, _ := e.CheckAuthorization(tok); decision != DecisionOK {
		t.Fatalf("expected first request within quota to pass")
	}
	e.RecordUsage(tok)

	tok2 := ScopedResourceToken{Key: key, Quantity: 60}
	decision, reason := e.CheckAuthorization(tok2)
	if decision != DecisionDenied {
		t.Fatalf("expected second request to exceed cumulative quota, reason=%q", reason)
	}
}

func TestEnforcerRoleRequirement(t *testing.T) {
	e := NewEnforcer(Policy{Name: "default", RequiredRoles: []string{"executor"}})
	key := LedgerKey{Scope: ScopeKey{Kind: ScopeIndividual, DID: "did:key:zBob"}, Resource: ResourceMana}

	tok := ScopedResourceToken{Key: key, Quantity: 1, Roles: []string{"observer"}}
	if decision, _ := e.CheckAuthorization(tok); decision != DecisionDenied {
		t.Fatal("expected denial when caller lacks required role")
	}

	tok.Roles = []string{"executor"}
	if decision, _ := e.CheckAuthorization(tok); decision != DecisionOK {
		t.Fatal("expected authorization with required role present")
	}
}

func TestEnforcerRateLimit(t *testing.T) {
	e := NewEnforcer(Policy{Name: "default", MaxRatePerWindow: 1, RateWindow: time.Minute})
	key := LedgerKey{Scope: ScopeKey{Kind: ScopeIndividual, DID: "did:key:zCarol"}, Resource: ResourceBandwidth}
	tok := ScopedResourceToken{Key: key, Quantity: 1}

	if decision, _ := e.CheckAuthorization(tok); decision != DecisionOK {
		t.Fatal("expected first call within rate limit to pass")
	}
	if decision, _ := e.CheckAuthorization(tok); decision != DecisionDenied {
		t.Fatal("expected second immediate call to exceed rate limit")
	}
}

func TestEnforcerOverrideTakesPrecedence(t *testing.T) {
	e := NewEnforcer(Policy{Name: "default", MaxQuota: 10})
	key := LedgerKey{Scope: ScopeKey{Kind: ScopeIndividual, DID: "did:key:zDave"}, Resource: ResourceMana}
	e.SetOverride(key, Policy{Name: "generous", MaxQuota: 10000})

	tok := ScopedResourceToken{Key: key, Quantity: 500}
	if decision, reason := e.CheckAuthorization(tok); decision != DecisionOK {
		t.Fatalf("expected override policy to allow request, reason=%q", reason)
	}
}
