package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedIntegration records hook calls and returns scripted outcomes.
type scriptedIntegration struct {
	mu sync.Mutex

	setupErrs []error // consumed one per attempt; empty means success
	unloadErr error
	removeErr error
	setups    int
	unloads   int
	removes   int
}

func (s *scriptedIntegration) SetupEntry(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setups++
	if len(s.setupErrs) > 0 {
		err := s.setupErrs[0]
		s.setupErrs = s.setupErrs[1:]
		return err
	}
	return nil
}

func (s *scriptedIntegration) UnloadEntry(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloads++
	return s.unloadErr
}

func (s *scriptedIntegration) RemoveEntry(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes++
	return s.removeErr
}

func (s *scriptedIntegration) counts() (setups, unloads, removes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setups, s.unloads, s.removes
}

func newTestHost(integ *scriptedIntegration) *Host {
	return New(integ, nil, Options{
		RetryInitialInterval: 5 * time.Millisecond,
		RetryMaxInterval:     10 * time.Millisecond,
	})
}

func addTestEntry(t *testing.T, h *Host) *Entry {
	t.Helper()
	entry := &Entry{Title: "Matter", Data: EntryData{URL: "ws://test"}}
	if err := h.AddEntry(entry); err != nil {
		t.Fatalf("AddEntry() = %v", err)
	}
	if entry.ID == "" {
		t.Fatal("AddEntry must assign an ID")
	}
	return entry
}

func waitForState(t *testing.T, h *Host, entryID string, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.EntryState(entryID) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("entry %s state = %s, want %s", entryID, h.EntryState(entryID), want)
}

func TestSetupEntry_Success(t *testing.T) {
	integ := &scriptedIntegration{}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}
	if got := h.EntryState(entry.ID); got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}

	// Setting up a loaded entry is a no-op.
	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("repeat SetupEntry() = %v", err)
	}
	if setups, _, _ := integ.counts(); setups != 1 {
		t.Fatalf("setups = %d, want 1", setups)
	}
}

func TestSetupEntry_NotReady_RetriesUntilLoaded(t *testing.T) {
	integ := &scriptedIntegration{setupErrs: []error{
		NotReady("controller starting", nil),
		NotReady("controller starting", nil),
	}}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)

	err := h.SetupEntry(context.Background(), entry.ID)
	if !IsNotReady(err) {
		t.Fatalf("SetupEntry() = %v, want not-ready", err)
	}
	if got := h.EntryState(entry.ID); got != StateSetupRetry {
		t.Fatalf("state = %s, want %s", got, StateSetupRetry)
	}

	// The host retries on its own until setup succeeds.
	waitForState(t, h, entry.ID, StateLoaded)
	if setups, _, _ := integ.counts(); setups != 3 {
		t.Fatalf("setups = %d, want 3 (initial + 2 retries)", setups)
	}
}

func TestSetupEntry_PermanentError_NoRetry(t *testing.T) {
	integ := &scriptedIntegration{setupErrs: []error{errors.New("bad config")}}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); err == nil {
		t.Fatal("SetupEntry() should report the permanent error")
	}
	if got := h.EntryState(entry.ID); got != StateSetupError {
		t.Fatalf("state = %s, want %s", got, StateSetupError)
	}

	// No retry fires.
	time.Sleep(30 * time.Millisecond)
	if setups, _, _ := integ.counts(); setups != 1 {
		t.Fatalf("setups = %d, want 1 (permanent failures are not retried)", setups)
	}
}

func TestSetupEntry_Disabled_IsNoop(t *testing.T) {
	integ := &scriptedIntegration{}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)
	entry.DisabledBy = DisabledByUser

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}
	if setups, _, _ := integ.counts(); setups != 0 {
		t.Fatalf("setups = %d, want 0 for a disabled entry", setups)
	}
	if got := h.EntryState(entry.ID); got != StateNotLoaded {
		t.Fatalf("state = %s, want %s", got, StateNotLoaded)
	}
}

func TestSetupEntry_UnknownEntry(t *testing.T) {
	h := newTestHost(&scriptedIntegration{})
	if err := h.SetupEntry(context.Background(), "missing"); err == nil {
		t.Fatal("SetupEntry() for unknown entry should fail")
	}
}

func TestUnloadEntry_VetoKeepsLoaded(t *testing.T) {
	integ := &scriptedIntegration{unloadErr: errors.New("add-on refused to stop")}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}

	if err := h.UnloadEntry(context.Background(), entry.ID); err == nil {
		t.Fatal("UnloadEntry() should report the veto")
	}
	if got := h.EntryState(entry.ID); got != StateLoaded {
		t.Fatalf("state = %s, want %s (veto keeps the entry loaded)", got, StateLoaded)
	}

	// After the veto clears, unload succeeds.
	integ.mu.Lock()
	integ.unloadErr = nil
	integ.mu.Unlock()
	if err := h.UnloadEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("UnloadEntry() = %v", err)
	}
	if got := h.EntryState(entry.ID); got != StateNotLoaded {
		t.Fatalf("state = %s, want %s", got, StateNotLoaded)
	}
}

func TestUnloadEntry_CancelsPendingRetry(t *testing.T) {
	integ := &scriptedIntegration{setupErrs: []error{NotReady("nope", nil)}}
	h := New(integ, nil, Options{
		RetryInitialInterval: time.Hour, // never fires during the test
	})
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); !IsNotReady(err) {
		t.Fatalf("SetupEntry() = %v, want not-ready", err)
	}
	if err := h.UnloadEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("UnloadEntry() = %v", err)
	}
	if got := h.EntryState(entry.ID); got != StateNotLoaded {
		t.Fatalf("state = %s, want %s", got, StateNotLoaded)
	}

	// Stop must not hang on the cancelled timer's waitgroup slot.
	done := make(chan struct{})
	go func() {
		h.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() hung after cancelling a pending retry")
	}
}

func TestRequestReload_UnloadsThenSetsUp(t *testing.T) {
	integ := &scriptedIntegration{}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}

	h.RequestReload(entry.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		setups, unloads, _ := integ.counts()
		if setups == 2 && unloads == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	setups, unloads, _ := integ.counts()
	if setups != 2 || unloads != 1 {
		t.Fatalf("setups/unloads = %d/%d, want 2/1 after reload", setups, unloads)
	}
	if got := h.EntryState(entry.ID); got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}
}

func TestRequestReload_ReconnectFails_EntersRetry(t *testing.T) {
	integ := &scriptedIntegration{}
	h := New(integ, nil, Options{RetryInitialInterval: time.Hour})
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}

	integ.mu.Lock()
	integ.setupErrs = []error{NotReady("controller gone", nil)}
	integ.mu.Unlock()

	h.RequestReload(entry.ID)
	waitForState(t, h, entry.ID, StateSetupRetry)
}

func TestSetDisabledBy_DisableUnloads_EnableSetsUp(t *testing.T) {
	integ := &scriptedIntegration{}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}

	if err := h.SetDisabledBy(context.Background(), entry.ID, DisabledByUser); err != nil {
		t.Fatalf("disable = %v", err)
	}
	if got := h.EntryState(entry.ID); got != StateNotLoaded {
		t.Fatalf("state after disable = %s, want %s", got, StateNotLoaded)
	}

	if err := h.SetDisabledBy(context.Background(), entry.ID, ""); err != nil {
		t.Fatalf("enable = %v", err)
	}
	if got := h.EntryState(entry.ID); got != StateLoaded {
		t.Fatalf("state after enable = %s, want %s", got, StateLoaded)
	}
}

func TestSetDisabledBy_UnloadVeto_FailsDisable(t *testing.T) {
	integ := &scriptedIntegration{unloadErr: errors.New("add-on refused to stop")}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}

	if err := h.SetDisabledBy(context.Background(), entry.ID, DisabledByUser); err == nil {
		t.Fatal("disable should fail when the unload is vetoed")
	}
	if got := h.EntryState(entry.ID); got != StateLoaded {
		t.Fatalf("state = %s, want %s (entry stays loaded)", got, StateLoaded)
	}
	if got := h.GetEntry(entry.ID).DisabledBy; got != "" {
		t.Fatalf("DisabledBy = %q, want empty after vetoed disable", got)
	}
}

func TestRemoveEntry_AlwaysCompletes(t *testing.T) {
	integ := &scriptedIntegration{
		unloadErr: errors.New("unload exploded"),
		removeErr: errors.New("removal hook exploded"),
	}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}

	if err := h.RemoveEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("RemoveEntry() = %v, removal must always complete", err)
	}
	if h.GetEntry(entry.ID) != nil {
		t.Fatal("entry must be gone after removal")
	}
	if _, _, removes := integ.counts(); removes != 1 {
		t.Fatalf("removal hooks = %d, want 1", removes)
	}
}

func TestStop_UnloadsAndQuiesces(t *testing.T) {
	integ := &scriptedIntegration{}
	h := newTestHost(integ)
	entry := addTestEntry(t, h)

	if err := h.SetupEntry(context.Background(), entry.ID); err != nil {
		t.Fatalf("SetupEntry() = %v", err)
	}

	h.Stop(context.Background())
	if got := h.EntryState(entry.ID); got != StateNotLoaded {
		t.Fatalf("state after stop = %s, want %s", got, StateNotLoaded)
	}

	// A reload requested after stop is dropped.
	h.RequestReload(entry.ID)
	time.Sleep(20 * time.Millisecond)
	if setups, _, _ := integ.counts(); setups != 1 {
		t.Fatalf("setups = %d, want 1 (no work after stop)", setups)
	}
}
