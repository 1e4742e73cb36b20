package duplex

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jeelkantaria/gelclient/internal/config"
	"github.com/jeelkantaria/gelclient/internal/protocol"
)

func testParams(user, password string) config.ConnectionParameters {
	return config.ConnectionParameters{
		Host: "localhost", Port: 5656,
		Username: user, Password: password, Database: "main",
		TLSSecurity: config.TLSInsecure,
	}
}

func TestDuplexerSendAndWaitMatchesPredicate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := New(client, nil)
	defer d.Close()

	go func() {
		msg, err := protocol.ReadMessage(server)
		if err != nil {
			return
		}
		if msg.Tag != clientHandshakeTag {
			return
		}
		protocol.WriteMessage(server, readyForCommandTag, []byte("pong"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := d.SendAndWait(ctx, clientHandshakeTag, []byte("ping"), func(m protocol.Message) bool {
		return m.Tag == readyForCommandTag
	})
	if err != nil {
		t.Fatalf("SendAndWait() = %v", err)
	}
	if string(msg.Payload) != "pong" {
		t.Fatalf("payload = %q, want pong", msg.Payload)
	}
}

func TestDuplexerSubscribersSeeEveryMessage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	d := New(client, nil)
	defer d.Close()

	seen := make(chan byte, 4)
	d.Subscribe(func(msg protocol.Message) {
		seen <- msg.Tag
	})

	go func() {
		protocol.WriteMessage(server, serverKeyDataTag, nil)
		protocol.WriteMessage(server, readyForCommandTag, nil)
	}()

	first := <-seen
	second := <-seen
	if first != serverKeyDataTag || second != readyForCommandTag {
		t.Fatalf("got tags %#x, %#x", first, second)
	}
}

func TestDuplexerOnDisconnectFiresOnReadFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	d := New(client, nil)

	done := make(chan error, 1)
	d.OnDisconnect(func(err error) { done <- err })

	server.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect did not fire")
	}
	if d.Phase() != Closed {
		t.Fatalf("Phase() = %v, want Closed", d.Phase())
	}
}

func TestDuplexerAbortsPendingWaitersOnDisconnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	d := New(client, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := d.SendAndWait(ctx, 0x01, nil, func(protocol.Message) bool { return false })
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	server.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected ConnectionLostError")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not aborted")
	}
}
