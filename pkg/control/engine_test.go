package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Nativu5/mctpd/pkg/mctp"
	"github.com/Nativu5/mctpd/pkg/types"
)

// fakeTransport records sends and optionally answers each request through
// the engine, as the assembler would.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	prv    [][]byte
	dst    []types.EID
	engine *Engine
	// respond builds the response body for a request body; nil means
	// stay silent.
	respond func(cmd mctp.CommandCode, payload []byte) []byte
}

func (f *fakeTransport) Send(dst types.EID, msg, private []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), msg...))
	f.prv = append(f.prv, append([]byte(nil), private...))
	f.dst = append(f.dst, dst)
	respond := f.respond
	engine := f.engine
	f.mu.Unlock()

	hdr, err := mctp.DecodeHeader(msg)
	if err != nil || !hdr.Request || respond == nil || engine == nil {
		return nil
	}
	body := respond(hdr.Command, msg[mctp.HeaderLen:])
	if body == nil {
		return nil
	}
	respHdr := hdr
	respHdr.Request = false
	resp := respHdr.Encode(nil)
	resp = append(resp, body...)
	go engine.HandleMessage(dst, resp, private)
	return nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestSendRequest_MatchesResponse(t *testing.T) {
	ft := &fakeTransport{}
	engine := NewEngine(ft, 100*time.Millisecond, 0)
	ft.engine = engine
	ft.respond = func(cmd mctp.CommandCode, payload []byte) []byte {
		return []byte{uint8(mctp.CCSuccess), 0x42}
	}

	resp, err := engine.SendRequest(context.Background(), 0x10, mctp.CmdGetEndpointID, nil, nil)
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	if len(resp) != 2 || resp[1] != 0x42 {
		t.Errorf("response = %x, want completion + 0x42", resp)
	}
}

func TestSendRequest_TimeoutAfterRetries(t *testing.T) {
	ft := &fakeTransport{}
	engine := NewEngine(ft, 20*time.Millisecond, 2)
	ft.engine = engine

	_, err := engine.SendRequest(context.Background(), 0x10, mctp.CmdGetEndpointID, nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	// Initial attempt plus two retries.
	if got := ft.sendCount(); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}
}

func TestSendRequest_ContextCancel(t *testing.T) {
	ft := &fakeTransport{}
	engine := NewEngine(ft, time.Second, 5)
	ft.engine = engine

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := engine.SendRequest(ctx, 0x10, mctp.CmdGetEndpointID, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

// A response only matches when both the command and the instance ID line up.
func TestHandleMessage_InstanceMismatchIgnored(t *testing.T) {
	ft := &fakeTransport{}
	engine := NewEngine(ft, 50*time.Millisecond, 0)
	ft.engine = engine

	done := make(chan error, 1)
	go func() {
		_, err := engine.SendRequest(context.Background(), 0x10, mctp.CmdGetEndpointID, nil, nil)
		done <- err
	}()

	// Wait for the request to go out, then answer with a wrong instance ID.
	for ft.sendCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	wrong := mctp.ControlHeader{
		MsgType:    mctp.MsgTypeControl,
		InstanceID: 0x1E,
		Command:    mctp.CmdGetEndpointID,
	}
	engine.HandleMessage(0x10, append(wrong.Encode(nil), uint8(mctp.CCSuccess)), nil)

	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout despite mismatched response", err)
	}
}

func TestHandleMessage_DispatchesToHandler(t *testing.T) {
	ft := &fakeTransport{}
	engine := NewEngine(ft, 50*time.Millisecond, 0)

	engine.OnRequest(mctp.CmdGetEndpointID, func(src types.EID, payload, private []byte) ([]byte, []byte, bool) {
		return []byte{uint8(mctp.CCSuccess), 0x55}, []byte{0xAA}, true
	})

	hdr := mctp.ControlHeader{
		MsgType:    mctp.MsgTypeControl,
		Request:    true,
		InstanceID: 7,
		Command:    mctp.CmdGetEndpointID,
	}
	engine.HandleMessage(0x20, hdr.Encode(nil), []byte{0x01})

	if ft.sendCount() != 1 {
		t.Fatalf("expected one response send, got %d", ft.sendCount())
	}
	respHdr, err := mctp.DecodeHeader(ft.sent[0])
	if err != nil {
		t.Fatalf("response header undecodable: %v", err)
	}
	if respHdr.Request {
		t.Error("response must clear the Rq bit")
	}
	if respHdr.InstanceID != 7 {
		t.Errorf("response instance = %d, want 7", respHdr.InstanceID)
	}
	if ft.dst[0] != 0x20 {
		t.Errorf("response destination = %d, want the requester", ft.dst[0])
	}
	if len(ft.prv[0]) != 1 || ft.prv[0][0] != 0xAA {
		t.Errorf("response private = %x, want handler-provided AA", ft.prv[0])
	}
}

// A handler rejection drops the request without emitting a response.
func TestHandleMessage_RejectedRequestDropped(t *testing.T) {
	ft := &fakeTransport{}
	engine := NewEngine(ft, 50*time.Millisecond, 0)

	engine.OnRequest(mctp.CmdSetEndpointID, func(src types.EID, payload, private []byte) ([]byte, []byte, bool) {
		return nil, nil, false
	})

	hdr := mctp.ControlHeader{
		MsgType: mctp.MsgTypeControl,
		Request: true,
		Command: mctp.CmdSetEndpointID,
	}
	engine.HandleMessage(0x20, hdr.Encode(nil), nil)

	if ft.sendCount() != 0 {
		t.Errorf("rejected request produced %d sends, want 0", ft.sendCount())
	}
}

func TestInstanceID_Rotates(t *testing.T) {
	ft := &fakeTransport{}
	engine := NewEngine(ft, 10*time.Millisecond, 0)
	ft.engine = engine
	ft.respond = func(cmd mctp.CommandCode, payload []byte) []byte {
		return []byte{uint8(mctp.CCSuccess)}
	}

	seen := make(map[uint8]bool)
	for i := 0; i < 4; i++ {
		if _, err := engine.SendRequest(context.Background(), 0x10, mctp.CmdGetEndpointID, nil, nil); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		hdr, _ := mctp.DecodeHeader(ft.sent[i])
		seen[hdr.InstanceID] = true
	}
	if len(seen) != 4 {
		t.Errorf("instance IDs not rotating: %v", seen)
	}
}
