package transport

import (
	"bytes"
	"math/rand"
	"net"
	"testing"
)

func newFrameForTest(t *testing.T) *Frame {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewFrame(NewReliable(conn))
}

// buildComponents splits payload the same way Frame.Send does, returning
// the raw reliable-layer packets Send would have produced, so tests can
// feed them to HandleReceived in an arbitrary permutation.
func buildComponents(id uint64, payload []byte) [][]byte {
	var parts [][]byte
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxFramePacketDataSize {
			n = MaxFramePacketDataSize
		}
		parts = append(parts, payload[:n])
		payload = payload[n:]
	}
	if len(parts) == 0 {
		parts = [][]byte{{}}
	}
	total := uint64(len(parts))
	out := make([][]byte, len(parts))
	for i, part := range parts {
		header := encodeFrameHeader(id, total, uint64(i))
		packet := make([]byte, 0, len(header)+len(part))
		packet = append(packet, header...)
		packet = append(packet, part...)
		out[i] = packet
	}
	return out
}

func TestFrameReassemblyIsOrderIndependent(t *testing.T) {
	payload := bytes.Repeat([]byte("tickmesh-payload-"), 64) // forces multiple components
	components := buildComponents(7, payload)
	if len(components) < 2 {
		t.Fatal("test payload should span multiple components")
	}

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}

	inOrder := make([]int, len(components))
	for i := range inOrder {
		inOrder[i] = i
	}
	rev := make([]int, len(components))
	for i := range rev {
		rev[i] = len(components) - 1 - i
	}
	shuffled := append([]int{}, inOrder...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	perms := [][]int{inOrder, rev, shuffled}

	for _, order := range perms {
		f := newFrameForTest(t)
		for _, idx := range order {
			f.HandleReceived(addr, components[idx])
		}
		select {
		case evt := <-f.Events():
			if !bytes.Equal(evt.Payload, payload) {
				t.Fatalf("reassembled payload mismatch for order %v", order)
			}
		default:
			t.Fatalf("expected a FrameCompleted event for order %v", order)
		}
	}
}

func TestFrameDuplicateComponentDoesNotDoubleCount(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), MaxFramePacketDataSize+10)
	components := buildComponents(1, payload)
	if len(components) != 2 {
		t.Fatalf("expected exactly 2 components, got %d", len(components))
	}

	f := newFrameForTest(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}

	f.HandleReceived(addr, components[0])
	f.HandleReceived(addr, components[0]) // duplicate delivery
	select {
	case <-f.Events():
		t.Fatal("frame should not be complete after only one distinct component arrives")
	default:
	}

	f.HandleReceived(addr, components[1])
	select {
	case evt := <-f.Events():
		if !bytes.Equal(evt.Payload, payload) {
			t.Fatal("payload mismatch after completing with duplicate + distinct components")
		}
	default:
		t.Fatal("expected completion after both distinct components arrived")
	}
}

func TestLargeMessageSplitsIntoExpectedComponentCount(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	components := buildComponents(3, payload)
	want := (len(payload) + MaxFramePacketDataSize - 1) / MaxFramePacketDataSize
	if len(components) != want {
		t.Fatalf("a 4 KB message should split into %d components, got %d", want, len(components))
	}
	for _, c := range components {
		if len(c) > MaxPacketSize {
			t.Fatalf("component exceeds the reliable packet size: %d", len(c))
		}
	}

	f := newFrameForTest(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	for _, c := range components {
		f.HandleReceived(addr, c)
	}
	select {
	case evt := <-f.Events():
		if !bytes.Equal(evt.Payload, payload) {
			t.Fatal("reassembled 4 KB payload must match the original verbatim")
		}
	default:
		t.Fatal("expected the 4 KB frame to complete")
	}
}

func TestFrameHeaderRejectsAbsurdComponentCount(t *testing.T) {
	f := newFrameForTest(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}

	header := encodeFrameHeader(1, uint64(maxFrameComponents)+1, 0)
	f.HandleReceived(addr, header)

	f.mu.Lock()
	n := len(f.partials)
	f.mu.Unlock()
	if n != 0 {
		t.Fatal("a header claiming an absurd component count must be dropped before allocation")
	}
}
