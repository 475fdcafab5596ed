package callcontrol

import "testing"

type fakeCall struct {
	id        string
	hungUp    bool
	hangupFor string
}

func (f *fakeCall) CallID() string { return f.id }
func (f *fakeCall) Hangup(reason string) {
	f.hungUp = true
	f.hangupFor = reason
}

func TestTryAdmitRespectsMaxActive(t *testing.T) {
	r := NewRegistry(2)
	if !r.TryAdmit() {
		t.Fatalf("expected first admit to succeed")
	}
	if !r.TryAdmit() {
		t.Fatalf("expected second admit to succeed")
	}
	if r.TryAdmit() {
		t.Fatalf("expected third admit to fail at cap")
	}
	r.Release()
	if !r.TryAdmit() {
		t.Fatalf("expected admit to succeed after release")
	}
}

func TestRateLimitCapsAdmissionBurst(t *testing.T) {
	r := NewRegistryWithRateLimit(100, 1, 2)
	if !r.TryAdmit() {
		t.Fatalf("expected first admit within burst to succeed")
	}
	if !r.TryAdmit() {
		t.Fatalf("expected second admit within burst to succeed")
	}
	if r.TryAdmit() {
		t.Fatalf("expected third immediate admit to be rate limited")
	}
}

func TestUnlimitedWhenMaxActiveZero(t *testing.T) {
	r := NewRegistry(0)
	for i := 0; i < 100; i++ {
		if !r.TryAdmit() {
			t.Fatalf("expected unlimited admission, failed at %d", i)
		}
	}
}

func TestAddGetRemove(t *testing.T) {
	r := NewRegistry(10)
	c := &fakeCall{id: "call-1"}
	if err := r.Add(c); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(c); err == nil {
		t.Fatalf("expected error re-adding same call id")
	}
	got, ok := r.Get("call-1")
	if !ok || got != c {
		t.Fatalf("Get did not return the registered call")
	}
	r.Remove("call-1")
	if _, ok := r.Get("call-1"); ok {
		t.Fatalf("expected call removed")
	}
}

func TestHangupAll(t *testing.T) {
	r := NewRegistry(10)
	a := &fakeCall{id: "a"}
	b := &fakeCall{id: "b"}
	_ = r.Add(a)
	_ = r.Add(b)
	r.HangupAll("shutdown")
	if !a.hungUp || a.hangupFor != "shutdown" {
		t.Fatalf("expected call a hung up with reason shutdown")
	}
	if !b.hungUp {
		t.Fatalf("expected call b hung up")
	}
}
