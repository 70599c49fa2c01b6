package access

import "testing"

func TestParseTier(t *testing.T) {
	tests := []struct {
		in     string
		want   Tier
		wantOK bool
	}{
		{"free", TierFree, true},
		{"member", TierMember, true},
		{"Partner", TierPartner, true},
		{" covenant ", TierCovenant, true},
		{"", TierFree, false},
		{"gold", TierFree, false},
	}
	for _, tt := range tests {
		got, ok := ParseTier(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseTier(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestTierOrderIsTotal(t *testing.T) {
	tiers := Tiers()
	for i := 1; i < len(tiers); i++ {
		if !(tiers[i-1] < tiers[i]) {
			t.Fatalf("expected %v < %v", tiers[i-1], tiers[i])
		}
	}
}

func TestHigherTierSeesLowerRequirement(t *testing.T) {
	r := NewResolver(FailClosed)
	for _, have := range Tiers() {
		for _, need := range Tiers() {
			got := r.HasAccess(Requester{Tier: have.String()}, need.String())
			want := have >= need
			if got != want {
				t.Errorf("tier %v, required %v: has_access = %v, want %v", have, need, got, want)
			}
		}
	}
}

func TestAdminAlwaysHasAccess(t *testing.T) {
	for _, policy := range []UnknownTierPolicy{FailClosed, FailOpen} {
		r := NewResolver(policy)
		for _, tier := range []string{"", "free", "bogus", "covenant"} {
			for _, need := range []string{"free", "partner", "covenant", "mystery", ""} {
				if !r.HasAccess(Requester{Tier: tier, Role: RoleAdmin}, need) {
					t.Errorf("policy %v: admin with tier %q denied resource requiring %q", policy, tier, need)
				}
			}
		}
	}
}

func TestStaffDoesNotBypassTier(t *testing.T) {
	r := NewResolver(FailClosed)
	if r.HasAccess(Requester{Tier: "free", Role: RoleStaff}, "partner") {
		t.Error("staff with free tier should not see partner content")
	}
}

func TestUnknownRequesterTierRanksAsFree(t *testing.T) {
	r := NewResolver(FailClosed)
	if !r.HasAccess(Requester{Tier: "platinum"}, "free") {
		t.Error("unrecognized requester tier should still see free content")
	}
	if r.HasAccess(Requester{Tier: "platinum"}, "member") {
		t.Error("unrecognized requester tier should rank as free")
	}
	if r.HasAccess(Requester{}, "member") {
		t.Error("anonymous requester should rank as free")
	}
}

func TestUnknownRequirementPolicy(t *testing.T) {
	closed := NewResolver(FailClosed)
	d := closed.Resolve(Requester{Tier: "covenant"}, "vip")
	if d.HasAccess {
		t.Error("closed policy should deny unrecognized tier_required")
	}
	if !d.UnknownRequirement {
		t.Error("expected UnknownRequirement to be reported")
	}

	open := NewResolver(FailOpen)
	d = open.Resolve(Requester{}, "vip")
	if !d.HasAccess {
		t.Error("open policy should grant unrecognized tier_required")
	}
	if !d.UnknownRequirement {
		t.Error("expected UnknownRequirement to be reported")
	}
}

func TestScenarios(t *testing.T) {
	r := NewResolver(FailClosed)
	if r.HasAccess(Requester{Tier: "free"}, "partner") {
		t.Error("free requester should not see partner resource")
	}
	if !r.HasAccess(Requester{Tier: "covenant"}, "partner") {
		t.Error("covenant requester should see partner resource")
	}
}

func TestRedact(t *testing.T) {
	if got := Redact(Decision{HasAccess: false}, "https://files/x.pdf"); got != nil {
		t.Errorf("denied decision leaked payload %q", *got)
	}
	got := Redact(Decision{HasAccess: true}, "https://files/x.pdf")
	if got == nil || *got != "https://files/x.pdf" {
		t.Errorf("granted decision returned %v", got)
	}
}

func TestAtLeast(t *testing.T) {
	got := AtLeast(TierPartner)
	if len(got) != 2 || got[0] != "partner" || got[1] != "covenant" {
		t.Errorf("AtLeast(partner) = %v", got)
	}
	if len(AtLeast(TierFree)) != 4 {
		t.Error("every tier is at least free")
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != FailClosed {
		t.Errorf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if p, err := ParsePolicy("open"); err != nil || p != FailOpen {
		t.Errorf("ParsePolicy(open) = %v, %v", p, err)
	}
	if _, err := ParsePolicy("maybe"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
