package loader

import "testing"

func TestPermissionGateExactMatch(t *testing.T) {
	g := NewPermissionGate([]PermissionRule{
		{Pattern: "slack:notify", Action: PermissionDeny},
	}, PermissionAllow)

	d := g.Decide("slack:notify")
	if d.Action != PermissionDeny || d.Rule != "slack:notify" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestPermissionGatePrefixMatch(t *testing.T) {
	g := NewPermissionGate([]PermissionRule{
		{Pattern: "github:*", Action: PermissionAsk},
	}, PermissionAllow)

	d := g.Decide("github:open_pr")
	if d.Action != PermissionAsk {
		t.Fatalf("expected prefix match to ask, got %+v", d)
	}
	d = g.Decide("jira:create_issue")
	if d.Action != PermissionAllow {
		t.Fatalf("expected fallback allow for a non-matching tool, got %+v", d)
	}
}

func TestPermissionGateFirstMatchWins(t *testing.T) {
	g := NewPermissionGate([]PermissionRule{
		{Pattern: "slack:*", Action: PermissionAsk},
		{Pattern: "slack:notify", Action: PermissionDeny},
	}, PermissionAllow)

	d := g.Decide("slack:notify")
	if d.Action != PermissionAsk {
		t.Fatalf("expected the earlier, broader rule to win, got %+v", d)
	}
}

func TestPermissionGateDefaultsFallbackToAllow(t *testing.T) {
	g := NewPermissionGate(nil, "")
	d := g.Decide("anything")
	if d.Action != PermissionAllow {
		t.Fatalf("expected empty fallback to default to allow, got %+v", d)
	}
}

func TestPermissionGateWildcardMatchesEverything(t *testing.T) {
	g := NewPermissionGate([]PermissionRule{{Pattern: "*", Action: PermissionDeny}}, PermissionAllow)
	if g.Decide("anything:at_all").Action != PermissionDeny {
		t.Fatal("expected the bare wildcard rule to match any tool id")
	}
}
