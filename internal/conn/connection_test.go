package conn

import (
	"net"
	"testing"
	"time"

	"github.com/jeelkantaria/gelclient/internal/duplex"
)

func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := New(duplex.New(client, nil))
	return c, server
}

func TestConnectionLifecycleTransitions(t *testing.T) {
	c, _ := newTestConnection(t)
	defer c.Close()

	if c.State() != StateIdle {
		t.Fatalf("State() = %v, want StateIdle", c.State())
	}
	c.MarkActive()
	if c.State() != StateActive {
		t.Fatalf("State() = %v, want StateActive", c.State())
	}
	c.MarkIdle()
	if c.State() != StateIdle {
		t.Fatalf("State() = %v, want StateIdle", c.State())
	}
}

func TestConnectionSlotIDsAreUnique(t *testing.T) {
	c1, _ := newTestConnection(t)
	defer c1.Close()
	c2, _ := newTestConnection(t)
	defer c2.Close()

	if c1.SlotID() == c2.SlotID() {
		t.Fatalf("expected distinct slot ids, got %d twice", c1.SlotID())
	}
}

func TestConnectionIsExpired(t *testing.T) {
	c, _ := newTestConnection(t)
	defer c.Close()
	c.createdAt = time.Now().Add(-time.Hour)

	if c.IsExpired(0) {
		t.Fatal("IsExpired(0) should disable the check")
	}
	if !c.IsExpired(time.Minute) {
		t.Fatal("expected connection older than 1m to be expired")
	}
	if c.IsExpired(2 * time.Hour) {
		t.Fatal("connection should not be expired against a 2h cap")
	}
}

func TestConnectionIsIdle(t *testing.T) {
	c, _ := newTestConnection(t)
	defer c.Close()
	c.lastUsed = time.Now().Add(-time.Minute)

	if c.IsIdle(0) {
		t.Fatal("IsIdle(0) should disable the check")
	}
	if !c.IsIdle(10 * time.Millisecond) {
		t.Fatal("expected idle connection to report idle past a short timeout")
	}

	c.MarkActive()
	if c.IsIdle(10 * time.Millisecond) {
		t.Fatal("an active connection must never report idle")
	}
}

func TestConnectionIsHealthyUntilClosed(t *testing.T) {
	c, _ := newTestConnection(t)

	if !c.IsHealthy() {
		t.Fatal("freshly dialed connection should be healthy")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	// Give the duplexer's read loop a moment to observe the close.
	time.Sleep(50 * time.Millisecond)
	if c.IsHealthy() {
		t.Fatal("closed connection should report unhealthy")
	}
	if c.State() != StateClosed {
		t.Fatalf("State() = %v, want StateClosed", c.State())
	}
}

func TestConnectionCommandLockSerializes(t *testing.T) {
	c, _ := newTestConnection(t)
	defer c.Close()

	c.Lock()
	unlocked := make(chan struct{})
	go func() {
		c.Lock()
		close(unlocked)
		c.Unlock()
	}()

	select {
	case <-unlocked:
		t.Fatal("second Lock() should block while first holder has not unlocked")
	case <-time.After(50 * time.Millisecond):
	}

	c.Unlock()
	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatal("second Lock() never acquired after Unlock()")
	}
}
