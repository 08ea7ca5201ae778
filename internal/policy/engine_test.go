package policy

import "testing"

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		pattern   string
		current   string
		candidate string
		want      Verdict
	}{
		{"none always rejects", KindNone, "", "1.0.0", "2.0.0", Reject},
		{"patch accepts patch bump", KindPatch, "", "1.2.3", "1.2.4", Accept},
		{"patch rejects minor bump", KindPatch, "", "1.2.3", "1.3.0", Reject},
		{"patch rejects lower patch", KindPatch, "", "1.2.3", "1.2.2", Reject},
		{"minor accepts minor bump", KindMinor, "", "1.2.3", "1.3.0", Accept},
		{"minor accepts patch bump", KindMinor, "", "1.2.3", "1.2.4", Accept},
		{"minor rejects major bump", KindMinor, "", "1.2.3", "2.0.0", Reject},
		{"major accepts major bump", KindMajor, "", "1.2.3", "2.0.0", Accept},
		{"major accepts minor bump", KindMajor, "", "1.2.3", "1.3.0", Accept},
		{"major rejects lower version", KindMajor, "", "1.2.3", "1.2.2", Reject},
		{"all accepts any different tag", KindAll, "", "1.2.3", "custom-tag", Accept},
		{"all rejects identical tag", KindAll, "", "1.2.3", "1.2.3", Reject},
		{"glob accepts matching pattern", KindGlob, "1.2.*", "1.2.3", "1.2.9", Accept},
		{"glob rejects non-matching pattern", KindGlob, "1.2.*", "1.2.3", "1.3.0", Reject},
		{"force accepts unconditionally", KindForce, "", "1.2.3", "0.0.1", Accept},
		{"non-semver candidate rejected by patch", KindPatch, "", "1.2.3", "latest", Reject},
		{"non-semver candidate accepted by force", KindForce, "", "1.2.3", "latest", Accept},
		{"non-semver current rejects semver policies", KindMinor, "", "latest", "1.2.3", Reject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Kind: tt.kind, Pattern: tt.pattern}
			got := Decide(p, tt.current, tt.candidate)
			if got != tt.want {
				t.Errorf("Decide(%v, %q, %q) = %v, want %v", tt.kind, tt.current, tt.candidate, got, tt.want)
			}
		})
	}
}

// TestDecideIdempotent verifies spec.md §8's idempotence property across
// every policy kind: Decide(p, t, t) = Reject.
func TestDecideIdempotent(t *testing.T) {
	kinds := []Kind{KindNone, KindPatch, KindMinor, KindMajor, KindAll, KindForce}
	for _, k := range kinds {
		p := Policy{Kind: k}
		if got := Decide(p, "1.2.3", "1.2.3"); got != Reject {
			t.Errorf("Decide(%v, same, same) = %v, want Reject", k, got)
		}
	}
}

func TestDecidePrerelease(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		current   string
		candidate string
		want      Verdict
	}{
		{"prerelease rejected when current is stable", KindMinor, "1.2.3", "1.3.0-rc.1", Reject},
		{"prerelease accepted when current is same-patch prerelease", KindPatch, "1.2.3-rc.1", "1.2.3-rc.2", Accept},
		{"prerelease of different patch rejected", KindPatch, "1.2.3-rc.1", "1.2.4-rc.1", Reject},
		{"force always accepts prerelease", KindForce, "1.2.3", "1.3.0-rc.1", Accept},
		{"all always accepts prerelease", KindAll, "1.2.3", "1.3.0-rc.1", Accept},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Kind: tt.kind}
			got := Decide(p, tt.current, tt.candidate)
			if got != tt.want {
				t.Errorf("Decide(%v, %q, %q) = %v, want %v", tt.kind, tt.current, tt.candidate, got, tt.want)
			}
		})
	}
}

func TestSelectBest(t *testing.T) {
	p := Policy{Kind: KindMinor}
	best, ok := SelectBest(p, "1.2.0", []string{"1.2.1", "1.3.0", "1.4.5", "2.0.0"})
	if !ok || best != "1.4.5" {
		t.Fatalf("SelectBest = (%q, %v), want (1.4.5, true)", best, ok)
	}
}

func TestSelectBestNoneAccepted(t *testing.T) {
	p := Policy{Kind: KindPatch}
	_, ok := SelectBest(p, "1.2.0", []string{"1.3.0", "2.0.0"})
	if ok {
		t.Fatalf("SelectBest should report ok=false when nothing qualifies")
	}
}

func TestSelectBestMonotonic(t *testing.T) {
	// spec.md §8: SelectBest(p, T ∪ {t'}) ∈ {SelectBest(p, T), t'} — adding a
	// candidate only ever moves the selection forward or leaves it
	// unchanged.
	p := Policy{Kind: KindMinor}
	base := []string{"1.2.1", "1.3.0"}
	before, _ := SelectBest(p, "1.2.0", base)

	extra := "1.4.5"
	after, ok := SelectBest(p, "1.2.0", append(append([]string{}, base...), extra))
	if !ok {
		t.Fatal("expected a selection after adding a candidate")
	}
	if after != before && after != extra {
		t.Fatalf("SelectBest after adding %q = %q, want either %q or %q", extra, after, before, extra)
	}
}

// TestDecideGlobBracketsAndBracesAreLiteral verifies spec.md §4.1's "no
// brace or bracket expansion": gobwas/glob's default syntax would otherwise
// treat "[1-2]" as a character class and "{a,b}" as alternation.
func TestDecideGlobBracketsAndBracesAreLiteral(t *testing.T) {
	p := Policy{Kind: KindGlob, Pattern: "v[1-2].*"}
	if got := Decide(p, "v1.0.0", "v1.5.0"); got != Reject {
		t.Errorf("Decide with literal-bracket pattern = %v, want Reject (candidate doesn't start with the literal \"v[1-2].\")", got)
	}
	if got := Decide(p, "v1.0.0", "v[1-2].5"); got != Accept {
		t.Errorf("Decide with literal-bracket pattern = %v, want Accept for a candidate matching the pattern literally", got)
	}

	alt := Policy{Kind: KindGlob, Pattern: "{a,b}-*"}
	if got := Decide(alt, "x", "a-1"); got != Reject {
		t.Errorf("Decide with literal-brace pattern = %v, want Reject (no alternation expansion)", got)
	}
	if got := Decide(alt, "x", "{a,b}-1"); got != Accept {
		t.Errorf("Decide with literal-brace pattern = %v, want Accept for a candidate matching the pattern literally", got)
	}
}

func TestSelectBestNonSemverLexicographic(t *testing.T) {
	p := Policy{Kind: KindAll}
	best, ok := SelectBest(p, "stable", []string{"canary-a", "canary-z", "canary-m"})
	if !ok || best != "canary-z" {
		t.Fatalf("SelectBest = (%q, %v), want (canary-z, true)", best, ok)
	}
}
