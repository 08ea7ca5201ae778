package history_test

import (
	"testing"
	"time"

	"github.com/headwind-sh/headwind/internal/history"
	"github.com/headwind-sh/headwind/internal/policy"
)

func TestPrependTruncatesPerContainer(t *testing.T) {
	var entries []history.Entry
	for i := 0; i < history.MaxEntriesPerContainer+5; i++ {
		entries = history.Prepend(entries, history.Entry{
			Container: "app",
			Image:     "nginx:1." + string(rune('a'+i)),
			Timestamp: time.Now(),
		})
	}

	count := 0
	for _, e := range entries {
		if e.Container == "app" {
			count++
		}
	}
	if count != history.MaxEntriesPerContainer {
		t.Errorf("got %d entries for container app, want %d", count, history.MaxEntriesPerContainer)
	}
}

func TestPrependLeavesOtherContainersAlone(t *testing.T) {
	entries := []history.Entry{{Container: "sidecar", Image: "envoy:1.0"}}
	entries = history.Prepend(entries, history.Entry{Container: "app", Image: "nginx:1.0"})

	var sidecarCount int
	for _, e := range entries {
		if e.Container == "sidecar" {
			sidecarCount++
		}
	}
	if sidecarCount != 1 {
		t.Errorf("sidecar entries = %d, want 1", sidecarCount)
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	entries := []history.Entry{{Container: "app", Image: "nginx:1.25.0", Approver: "alice"}}
	encoded, err := history.Encode(entries)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got := history.Parse(map[string]string{policy.AnnotationUpdateHistory: encoded})
	if len(got) != 1 || got[0].Image != "nginx:1.25.0" || got[0].Approver != "alice" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestParseMalformedYieldsEmpty(t *testing.T) {
	got := history.Parse(map[string]string{policy.AnnotationUpdateHistory: "not json"})
	if got != nil {
		t.Errorf("Parse(malformed) = %#v, want nil", got)
	}
}

func TestPriorImageSkipsCurrent(t *testing.T) {
	entries := []history.Entry{
		{Container: "app", Image: "nginx:1.26.0"},
		{Container: "app", Image: "nginx:1.25.0"},
	}
	prior, ok := history.PriorImage(entries, "app", "nginx:1.26.0")
	if !ok || prior.Image != "nginx:1.25.0" {
		t.Errorf("PriorImage = %+v, %v; want nginx:1.25.0, true", prior, ok)
	}
}

func TestPriorImageNoneFound(t *testing.T) {
	entries := []history.Entry{{Container: "app", Image: "nginx:1.26.0"}}
	_, ok := history.PriorImage(entries, "app", "nginx:1.26.0")
	if ok {
		t.Errorf("PriorImage found a prior entry when none should qualify")
	}
}
