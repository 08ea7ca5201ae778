package events

import "testing"

func TestPublishImageAndDrain(t *testing.T) {
	b := NewBus(nil)
	b.PublishImage(ImageEvent{Repository: "nginx", Tag: "1.2.3"})

	select {
	case e := <-b.Images():
		if e.Repository != "nginx" {
			t.Errorf("Repository = %q, want nginx", e.Repository)
		}
	default:
		t.Fatal("expected an event on the channel")
	}
}

func TestPublishImageOverflowDropsOldest(t *testing.T) {
	var drops int
	b := NewBus(func() { drops++ })

	for i := 0; i < busCapacity+5; i++ {
		b.PublishImage(ImageEvent{Tag: "v"})
	}

	if b.Overflow() != 5 {
		t.Errorf("Overflow() = %d, want 5", b.Overflow())
	}
	if drops != 5 {
		t.Errorf("onOverflow called %d times, want 5", drops)
	}
	if len(b.Images()) != busCapacity {
		t.Errorf("channel length = %d, want %d", len(b.Images()), busCapacity)
	}
}

func TestCanonical(t *testing.T) {
	e := ImageEvent{Registry: "ghcr.io", Repository: "acme/widget"}
	if got := e.Canonical(); got != "ghcr.io/acme/widget" {
		t.Errorf("Canonical() = %q", got)
	}
	e2 := ImageEvent{Repository: "library/nginx"}
	if got := e2.Canonical(); got != "library/nginx" {
		t.Errorf("Canonical() with no registry = %q", got)
	}
}
