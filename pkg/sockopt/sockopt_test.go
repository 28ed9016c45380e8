package sockopt

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"golang.org/x/sys/unix"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEnableBroadcast(t *testing.T) {
	if err := EnableBroadcast(listen(t)); err != nil {
		t.Fatalf("EnableBroadcast: %v", err)
	}
}

func TestSetBuffers(t *testing.T) {
	recv, send, err := SetBuffers(listen(t), 64*1024, 32*1024)
	if err != nil {
		t.Fatalf("SetBuffers: %v", err)
	}
	if recv <= 0 || send <= 0 {
		t.Errorf("effective buffers = %d/%d, want > 0", recv, send)
	}
}

func TestSetDontFragment(t *testing.T) {
	if err := SetDontFragment(listen(t)); err != nil {
		t.Fatalf("SetDontFragment: %v", err)
	}
}

func TestIsMessageTooLong(t *testing.T) {
	wrapped := fmt.Errorf("write: %w", unix.EMSGSIZE)
	if !IsMessageTooLong(wrapped) {
		t.Error("wrapped EMSGSIZE not recognised")
	}
	if IsMessageTooLong(errors.New("other")) {
		t.Error("unrelated error recognised")
	}
}
