package localdb

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateWaitReleasedByOpen(t *testing.T) {
	g := NewGate()
	if g.IsOpen() {
		t.Fatalf("new gate is open")
	}

	errs := make(chan error, 1)
	go func() { errs <- g.Wait(context.Background()) }()

	select {
	case err := <-errs:
		t.Fatalf("Wait returned before Open: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	g.Open()
	select {
	case err := <-errs:
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait not released by Open")
	}
}

func TestGateCloseBlocksAgain(t *testing.T) {
	g := NewGate()
	g.Open()
	g.Open()
	g.Close()
	if g.IsOpen() {
		t.Fatalf("gate open after Close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait on closed gate: got err=%v want deadline exceeded", err)
	}
}

func TestSetupSchemaIsIdempotent(t *testing.T) {
	db, err := Open(DriverSQLite, t.TempDir()+"/schema.db")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for i := 0; i < 2; i++ {
		if err := SetupSchema(context.Background(), db); err != nil {
			t.Fatalf("SetupSchema run %d failed: %v", i+1, err)
		}
	}
	if _, err := db.Exec(`INSERT INTO currency_users (user_id, coins) VALUES ('neg', -1)`); err == nil {
		t.Fatalf("negative balance accepted")
	}
}

func TestMonitorOpensGate(t *testing.T) {
	db, err := Open(DriverSQLite, t.TempDir()+"/monitor.db")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	gate := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Monitor(ctx, db, gate, time.Hour)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	if err := gate.Wait(waitCtx); err != nil {
		t.Fatalf("gate not opened by Monitor: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Monitor did not return after cancel")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatalf("Open accepted unsupported driver")
	}
}
