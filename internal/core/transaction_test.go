package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Transaction Coordinator State Machine Tests
// ============================================================================

func TestCoordinator_CreateCommit(t *testing.T) {
	c := NewTransactionCoordinator()
	res := &fakeResource{}

	info, err := c.Create("op-1", res)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Active || info.State != TxActive {
		t.Errorf("new context = %+v", info)
	}
	if c.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d", c.ActiveCount())
	}

	if err := c.Commit(context.Background(), "op-1"); err != nil {
		t.Fatal(err)
	}
	if res.committed != 1 || res.rolledBack != 0 {
		t.Errorf("resource committed=%d rolledBack=%d", res.committed, res.rolledBack)
	}
	st, ok := c.Status("op-1")
	if !ok || st.State != TxCommitted || st.Active {
		t.Errorf("Status after commit = %+v, %v", st, ok)
	}
	if c.ActiveCount() != 0 {
		t.Error("committed context must not stay active")
	}
}

func TestCoordinator_CreateTwice(t *testing.T) {
	c := NewTransactionCoordinator()
	if _, err := c.Create("op-1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create("op-1", nil); !errors.Is(err, ErrTransactionExists) {
		t.Errorf("expected ErrTransactionExists, got %v", err)
	}

	// A finished id may be reused.
	if err := c.Rollback(context.Background(), "op-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Create("op-1", nil); err != nil {
		t.Errorf("reusing a finished id: %v", err)
	}
}

func TestCoordinator_CommitUnknown(t *testing.T) {
	c := NewTransactionCoordinator()
	if err := c.Commit(context.Background(), "missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestCoordinator_CommitTwice(t *testing.T) {
	c := NewTransactionCoordinator()
	c.Create("op-1", nil)
	if err := c.Commit(context.Background(), "op-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(context.Background(), "op-1"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("second commit should fail, got %v", err)
	}
}

func TestCoordinator_RollbackUnknownIsNoop(t *testing.T) {
	c := NewTransactionCoordinator()
	if err := c.Rollback(context.Background(), "missing"); err != nil {
		t.Errorf("Rollback(unknown) = %v, want nil", err)
	}
}

func TestCoordinator_Rollback(t *testing.T) {
	c := NewTransactionCoordinator()
	res := &fakeResource{}
	c.Create("op-1", res)

	if err := c.Rollback(context.Background(), "op-1"); err != nil {
		t.Fatal(err)
	}
	if res.rolledBack != 1 || res.committed != 0 {
		t.Errorf("resource committed=%d rolledBack=%d", res.committed, res.rolledBack)
	}
	st, _ := c.Status("op-1")
	if st.State != TxRolledBack {
		t.Errorf("State = %s", st.State)
	}
}

func TestCoordinator_FailedCommitRollsBack(t *testing.T) {
	c := NewTransactionCoordinator()
	res := &fakeResource{commitErr: errStoreDown}
	c.Create("op-1", res)

	err := c.Commit(context.Background(), "op-1")
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("Commit error = %v", err)
	}
	if res.rolledBack != 1 {
		t.Error("failed commit must roll the resource back")
	}
	st, _ := c.Status("op-1")
	if st.State != TxRolledBack || st.Error == "" {
		t.Errorf("Status = %+v", st)
	}
}

func TestCoordinator_CleanupAll(t *testing.T) {
	c := NewTransactionCoordinator()
	resources := []*fakeResource{{}, {}, {}}
	for i, r := range resources {
		c.Create(string(rune('a'+i)), r)
	}

	if n := c.CleanupAll(context.Background()); n != 3 {
		t.Errorf("CleanupAll = %d, want 3", n)
	}
	for i, r := range resources {
		if r.rolledBack != 1 {
			t.Errorf("resource %d not rolled back", i)
		}
	}
	if len(c.ListActive()) != 0 {
		t.Error("no context should remain active")
	}
}

func TestCoordinator_ListActiveOrdered(t *testing.T) {
	c := NewTransactionCoordinator()
	c.now = fixedClock
	c.Create("b", nil)
	c.Create("a", nil)

	got := c.ListActive()
	if len(got) != 2 || got[0].OperationID != "a" || got[1].OperationID != "b" {
		t.Errorf("ListActive = %+v", got)
	}
}

func TestCoordinator_ZeroRetention(t *testing.T) {
	c := NewTransactionCoordinator()
	c.SetRetention(0)
	c.Create("op-1", nil)
	c.Commit(context.Background(), "op-1")

	if _, ok := c.Status("op-1"); ok {
		t.Error("finished context should not be retained")
	}
}

func TestCoordinator_Concurrent(t *testing.T) {
	c := NewTransactionCoordinator()
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Create("shared", nil); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("exactly one Create should win, got %d", created)
	}
}

func TestCoordinator_RollbackWaitsForDo(t *testing.T) {
	c := NewTransactionCoordinator()
	res := &fakeResource{}
	if _, err := c.Create("op-1", res); err != nil {
		t.Fatal(err)
	}

	inside := make(chan struct{})
	release := make(chan struct{})
	doErr := make(chan error, 1)
	go func() {
		doErr <- c.Do("op-1", func() error {
			close(inside)
			<-release
			if res.rolledBack != 0 {
				return errors.New("rolled back while in use")
			}
			return nil
		})
	}()
	<-inside

	rbErr := make(chan error, 1)
	go func() { rbErr <- c.Rollback(context.Background(), "op-1") }()
	select {
	case <-rbErr:
		t.Fatal("Rollback returned while the resource was in use")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-doErr; err != nil {
		t.Fatal(err)
	}
	if err := <-rbErr; err != nil {
		t.Fatal(err)
	}
	if res.rolledBack != 1 {
		t.Errorf("rolledBack = %d", res.rolledBack)
	}

	err := c.Do("op-1", func() error {
		t.Error("Do must not run after rollback")
		return nil
	})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Do after rollback = %v", err)
	}
}

func TestCoordinator_BeginContextEnds(t *testing.T) {
	c := NewTransactionCoordinator()
	bg := context.Background()

	rolled, err := c.Begin(bg, "op-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rolled.Err() != nil {
		t.Fatal("context ended before the operation did")
	}
	c.Rollback(bg, "op-1")
	if rolled.Err() == nil {
		t.Error("rollback must cancel the operation context")
	}

	committed, _ := c.Begin(bg, "op-2", nil)
	c.Commit(bg, "op-2")
	if committed.Err() == nil {
		t.Error("commit must cancel the operation context")
	}

	c.Create("op-3", nil)
	if _, err := c.Begin(bg, "op-3", nil); !errors.Is(err, ErrTransactionExists) {
		t.Errorf("Begin on an active id = %v", err)
	}
}
