// Package control implements the MCTP control-message engine: request
// dispatch with instance-ID matching, timeouts and retries, and the
// inbound handler registry used by the transport bindings.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mctpd/pkg/mctp"
	"github.com/Nativu5/mctpd/pkg/types"
)

// ErrTimeout is returned when a request exhausted all retries without a
// matching response.
var ErrTimeout = errors.New("control request timed out")

// Transport is the boundary to the packet assembler. Implementations
// deliver one reassembled control message to a destination EID with the
// given binding-private record attached.
type Transport interface {
	Send(dst types.EID, msg []byte, private []byte) error
}

// Handler answers one inbound control request. src is the requester's EID,
// payload the request body after the control header, private the inbound
// frame's decoded binding-private bytes. A handler returns the response
// body (without header) and the binding-private record to attach to the
// response, which is how per-opcode response routing tags are selected.
// ok=false drops the request without a response.
type Handler func(src types.EID, payload, private []byte) (resp, respPrivate []byte, ok bool)

type pendingKey struct {
	command    mctp.CommandCode
	instanceID uint8
}

// Engine matches control responses to pending requests and dispatches
// inbound requests to registered handlers.
type Engine struct {
	transport Transport

	reqTimeout time.Duration
	reqRetries int

	mu           sync.Mutex
	nextInstance uint8
	pending      map[pendingKey]chan []byte
	handlers     map[mctp.CommandCode]Handler
}

// NewEngine builds an engine sending through transport with the configured
// response timeout and retry count.
func NewEngine(transport Transport, reqTimeout time.Duration, reqRetries int) *Engine {
	return &Engine{
		transport:  transport,
		reqTimeout: reqTimeout,
		reqRetries: reqRetries,
		pending:    make(map[pendingKey]chan []byte),
		handlers:   make(map[mctp.CommandCode]Handler),
	}
}

// OnRequest registers the handler for one command code, replacing any
// previous registration.
func (e *Engine) OnRequest(cmd mctp.CommandCode, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[cmd] = h
}

// allocInstance rotates the 5-bit instance ID and registers the pending
// channel under (cmd, instance).
func (e *Engine) allocInstance(cmd mctp.CommandCode) (uint8, chan []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	iid := e.nextInstance
	e.nextInstance = (e.nextInstance + 1) & mctp.InstanceMask
	ch := make(chan []byte, 1)
	e.pending[pendingKey{cmd, iid}] = ch
	return iid, ch
}

func (e *Engine) dropPending(cmd mctp.CommandCode, iid uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, pendingKey{cmd, iid})
}

// SendRequest issues one control request and waits for the matching
// response body (after the control header). The request is retried up to
// the configured retry count; each attempt waits the full response
// timeout. Returns ErrTimeout when all attempts lapse.
func (e *Engine) SendRequest(ctx context.Context, dst types.EID, cmd mctp.CommandCode,
	payload, private []byte) ([]byte, error) {

	iid, ch := e.allocInstance(cmd)
	defer e.dropPending(cmd, iid)

	hdr := mctp.ControlHeader{
		MsgType:    mctp.MsgTypeControl,
		Request:    true,
		InstanceID: iid,
		Command:    cmd,
	}
	msg := hdr.Encode(nil)
	msg = append(msg, payload...)

	timer := time.NewTimer(e.reqTimeout)
	defer timer.Stop()

	for attempt := 0; attempt <= e.reqRetries; attempt++ {
		if err := e.transport.Send(dst, msg, private); err != nil {
			return nil, fmt.Errorf("control send (cmd %#x): %w", uint8(cmd), err)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.reqTimeout)

		select {
		case resp := <-ch:
			return resp, nil
		case <-timer.C:
			log.WithFields(log.Fields{
				"cmd":     fmt.Sprintf("%#x", uint8(cmd)),
				"dst":     uint8(dst),
				"attempt": attempt + 1,
			}).Debug("Control request attempt timed out")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrTimeout
}

// HandleMessage feeds one inbound control message into the engine.
// Responses complete pending requests; requests go through the handler
// registry. Invalid or rejected messages are dropped at this boundary.
func (e *Engine) HandleMessage(src types.EID, msg, private []byte) {
	hdr, err := mctp.DecodeHeader(msg)
	if err != nil {
		log.WithError(err).Info("Dropping malformed control message")
		return
	}
	if hdr.MsgType != mctp.MsgTypeControl {
		return
	}
	payload := msg[mctp.HeaderLen:]

	if !hdr.Request {
		e.completePending(hdr, payload)
		return
	}
	e.dispatchRequest(src, hdr, payload, private)
}

func (e *Engine) completePending(hdr mctp.ControlHeader, payload []byte) {
	e.mu.Lock()
	ch, ok := e.pending[pendingKey{hdr.Command, hdr.InstanceID}]
	if ok {
		delete(e.pending, pendingKey{hdr.Command, hdr.InstanceID})
	}
	e.mu.Unlock()
	if !ok {
		log.WithFields(log.Fields{
			"cmd":      fmt.Sprintf("%#x", uint8(hdr.Command)),
			"instance": hdr.InstanceID,
		}).Debug("Unmatched control response")
		return
	}
	ch <- append([]byte(nil), payload...)
}

func (e *Engine) dispatchRequest(src types.EID, hdr mctp.ControlHeader, payload, private []byte) {
	e.mu.Lock()
	h, ok := e.handlers[hdr.Command]
	e.mu.Unlock()
	if !ok {
		log.WithField("cmd", fmt.Sprintf("%#x", uint8(hdr.Command))).
			Info("No handler for control command")
		return
	}

	respBody, respPrv, ok := h(src, payload, private)
	if !ok {
		// Rejected for the current state; drop silently per spec.
		return
	}
	if respPrv == nil {
		respPrv = private
	}

	respHdr := hdr
	respHdr.Request = false
	resp := respHdr.Encode(nil)
	resp = append(resp, respBody...)

	if err := e.transport.Send(src, resp, respPrv); err != nil {
		log.WithError(err).WithField("cmd", fmt.Sprintf("%#x", uint8(hdr.Command))).
			Error("Failed to send control response")
	}
}
