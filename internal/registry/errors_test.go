package registry

import (
	"errors"
	"testing"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindRateLimited, true},
		{KindAuthRequired, false},
		{KindAuthFailed, false},
		{KindNotFound, false},
		{KindMalformedResponse, false},
	}
	for _, tt := range tests {
		err := newErr(tt.kind, errors.New("boom"))
		if got := Retryable(err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain error should classify as Unknown")
	}
	if KindOf(newErr(KindNotFound, nil)) != KindNotFound {
		t.Error("KindOf did not round-trip")
	}
}
