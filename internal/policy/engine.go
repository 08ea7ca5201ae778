package policy

import (
	"sort"

	"github.com/headwind-sh/headwind/internal/version"
)

// Verdict is the outcome of Decide.
type Verdict int

const (
	Reject Verdict = iota
	Accept
)

// Decide reports whether candidate is an acceptable successor to current
// under policy, per the rules in spec.md §4.1. Parse failures on candidate
// are treated as non-semver: rejected by semver-based policies, accepted
// only by All, Force, or a matching Glob.
func Decide(p Policy, current, candidate string) Verdict {
	if candidate == current {
		// Idempotence: Decide(p, t, t) = Reject, spec.md §8.
		return Reject
	}

	switch p.Kind {
	case KindNone:
		return Reject
	case KindForce:
		return Accept
	case KindGlob:
		ok, err := p.matchesGlob(candidate)
		if err != nil || !ok {
			return Reject
		}
		return Accept
	case KindAll:
		return Accept
	case KindPatch, KindMinor, KindMajor:
		return decideSemver(p, current, candidate)
	default:
		return Reject
	}
}

func decideSemver(p Policy, current, candidate string) Verdict {
	cur, err := version.Parse(current)
	if err != nil {
		// Non-semver current: nothing to compare against, semver
		// policies cannot admit any candidate.
		return Reject
	}
	cand, err := version.Parse(candidate)
	if err != nil {
		return Reject
	}

	if cand.IsPrerelease() && !allowsPrerelease(p, cur, cand) {
		return Reject
	}
	// A later pre-release of the same (major,minor,patch) advances the
	// version even though the patch number itself is unchanged.
	if cand.IsPrerelease() && cur.SamePatch(cand) {
		if cand.GreaterThan(cur) {
			return Accept
		}
		return Reject
	}

	switch p.Kind {
	case KindPatch:
		if cand.Major() != cur.Major() || cand.Minor() != cur.Minor() {
			return Reject
		}
		if cand.Patch() > cur.Patch() {
			return Accept
		}
		return Reject
	case KindMinor:
		if cand.Major() != cur.Major() {
			return Reject
		}
		if cand.Minor() < cur.Minor() {
			return Reject
		}
		if cand.Minor() > cur.Minor() {
			return Accept
		}
		// same minor: patch must advance
		if cand.Patch() > cur.Patch() {
			return Accept
		}
		return Reject
	case KindMajor:
		if cand.GreaterThan(cur) {
			return Accept
		}
		return Reject
	default:
		return Reject
	}
}

// allowsPrerelease implements spec.md §4.1's pre-release gate: a
// pre-release candidate is only considered when current is itself a
// pre-release of the same (major,minor,patch), or the policy is
// All/Force/a matching Glob (those never reach this function).
func allowsPrerelease(_ Policy, cur, cand version.Version) bool {
	return cur.IsPrerelease() && cur.SamePatch(cand)
}

// SelectBest picks the best accepted candidate among candidates, or ok=false
// if none are acceptable. Ties break toward the semver-maximum; for
// All/Glob without semver order, toward the lexicographic maximum of the
// candidates that parse as semver, then the lexicographic maximum of the
// rest if none do (spec.md §4.1).
func SelectBest(p Policy, current string, candidates []string) (best string, ok bool) {
	var accepted []string
	for _, c := range candidates {
		if Decide(p, current, c) == Accept {
			accepted = append(accepted, c)
		}
	}
	if len(accepted) == 0 {
		return "", false
	}

	var semverCandidates []version.Version
	var nonSemver []string
	for _, c := range accepted {
		if v, err := version.Parse(c); err == nil {
			semverCandidates = append(semverCandidates, v)
		} else {
			nonSemver = append(nonSemver, c)
		}
	}

	if len(semverCandidates) > 0 {
		sort.Slice(semverCandidates, func(i, j int) bool {
			return semverCandidates[i].LessThan(semverCandidates[j])
		})
		return semverCandidates[len(semverCandidates)-1].Original(), true
	}

	sort.Strings(nonSemver)
	return nonSemver[len(nonSemver)-1], true
}
