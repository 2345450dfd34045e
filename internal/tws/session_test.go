package tws

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

// The gateway batches nextValidId into the same TCP burst as the version
// reply. Whatever the handshake buffers must still reach the read loop.
func TestSession_KeepsFramesBatchedWithHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		prefix := make([]byte, 4)
		if _, err := io.ReadFull(r, prefix); err != nil {
			serverErr <- err
			return
		}
		if string(prefix) != "API\x00" {
			serverErr <- io.ErrUnexpectedEOF
			return
		}
		if _, err := readFrame(r); err != nil { // client version range
			serverErr <- err
			return
		}

		// Version reply and nextValidId in a single write.
		var buf bytes.Buffer
		writeFrame(&buf, "157", "20260824 10:00:00 EST")
		writeFrame(&buf, "9", "1", "500")
		if _, err := conn.Write(buf.Bytes()); err != nil {
			serverErr <- err
			return
		}

		if _, err := readFrame(r); err != nil { // startAPI
			serverErr <- err
			return
		}
		serverErr <- nil

		// Hold the connection open until the client closes it.
		io.Copy(io.Discard, conn)
	}()

	cfg := DefaultSessionConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.ClientID = 7
	cfg.QueueSize = 16
	cfg.ConnectTimeout = 2 * time.Second

	sess := NewSession(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}

	for {
		ev, err := sess.Events().Get(ctx)
		if err != nil {
			t.Fatalf("nextValidId never delivered: %v", err)
		}
		if ev.Kind == EventNextValidID {
			if ev.OrderID != 500 {
				t.Errorf("OrderID = %d, want 500", ev.OrderID)
			}
			return
		}
	}
}
