// Copyright 2025 James Ross
package registry

import "testing"

func TestRegisterGetPriorityOrder(t *testing.T) {
	r := New()
	if err := r.Register(KindSampler, "random", 0, "random-handle"); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(KindSampler, "adaptive", 10, "adaptive-handle"); err != nil {
		t.Fatal(err)
	}

	list := r.List(KindSampler)
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	if list[0].Name != "adaptive" {
		t.Fatalf("expected adaptive first by priority, got %s", list[0].Name)
	}

	h, ok := r.Get(KindSampler, "random")
	if !ok || h.(string) != "random-handle" {
		t.Fatalf("expected to find random-handle, got %v %v", h, ok)
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := New()
	_ = r.Register(KindValidator, "schema", 5, "v1")
	_ = r.Register(KindValidator, "schema", 7, "v2")

	list := r.List(KindValidator)
	if len(list) != 1 {
		t.Fatalf("expected replace not append, got %d entries", len(list))
	}
	if list[0].Handle.(string) != "v2" || list[0].Priority != 7 {
		t.Fatalf("expected updated entry, got %+v", list[0])
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	_ = r.Register(KindWebhookHandler, "slack", 0, "slack-handle")
	r.Unregister(KindWebhookHandler, "slack")
	if _, ok := r.Get(KindWebhookHandler, "slack"); ok {
		t.Fatal("expected entry to be gone after unregister")
	}
}

func TestRegisterRejectsEmptyNameOrNilHandle(t *testing.T) {
	r := New()
	if err := r.Register(KindSampler, "", 0, "x"); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Register(KindSampler, "x", 0, nil); err == nil {
		t.Fatal("expected error for nil handle")
	}
}
