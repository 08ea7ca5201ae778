package imageref

import "testing"

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"nginx", "index.docker.io/library/nginx:latest"},
		{"nginx:1.25", "index.docker.io/library/nginx:1.25"},
		{"ghcr.io/acme/widget:v2.1.0", "ghcr.io/acme/widget:v2.1.0"},
	}
	for _, tt := range tests {
		ref, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.in, err)
		}
		if got := ref.String(); got != tt.want {
			t.Errorf("Parse(%q).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseWithDigest(t *testing.T) {
	const digest = "sha256:1234567890123456789012345678901234567890123456789012345678901234"
	ref, err := Parse("ghcr.io/acme/widget:v2.1.0@" + digest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.Digest != digest {
		t.Errorf("Digest = %q, want %q", ref.Digest, digest)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("THIS IS NOT VALID::::"); err == nil {
		t.Fatal("expected error for malformed reference")
	}
}

func TestWithTag(t *testing.T) {
	ref, _ := Parse("ghcr.io/acme/widget:v2.1.0@sha256:deadbeef")
	next := ref.WithTag("v2.2.0")
	if next.Tag != "v2.2.0" || next.Digest != "" {
		t.Errorf("WithTag did not clear digest: %+v", next)
	}
	if ref.Tag != "v2.1.0" {
		t.Error("WithTag mutated receiver")
	}
}

func TestCanonical(t *testing.T) {
	ref, _ := Parse("ghcr.io/acme/widget:v2.1.0")
	if got := ref.Canonical(); got != "ghcr.io/acme/widget" {
		t.Errorf("Canonical() = %q, want ghcr.io/acme/widget", got)
	}
}
