package store

import (
	"net"
	"sync/atomic"

	"github.com/caffeineduck/scriptkv/resp"
)

// DebugMode is the per-client SCRIPT DEBUG arming state.
type DebugMode int

const (
	DebugOff DebugMode = iota
	DebugForked
	DebugSync
)

// Client is a caller identity. Real connections and the fake clients owned
// by scripting engines both use this type; the scripting core distinguishes
// them through the flag fields.
type Client struct {
	Name string

	// W receives every reply produced on behalf of this client.
	W resp.ReplyWriter

	// Conn is set for real connections only. The debugger captures it for
	// the duration of a session.
	Conn net.Conn

	// Fake marks engine-owned callers that are not backed by a connection.
	Fake bool
	// Script marks the dedicated caller identity commands issued *by* a
	// script run under.
	Script bool
	// DenyBlocking is set on script callers; blocking commands degrade to
	// their non-blocking behavior.
	DenyBlocking bool

	// Debug is the SCRIPT DEBUG arming state of this client.
	Debug DebugMode
	// CloseAfterReply asks the connection loop to drop the client once
	// pending output is flushed.
	CloseAfterReply bool
	// HandedOff marks a connection whose ownership moved to a forked
	// debugging session; the connection loop must stop touching it.
	HandedOff bool

	denyWrites atomic.Bool
	wroteDirty atomic.Bool
}

// NewClient returns a caller identity writing replies to w.
func NewClient(name string, w resp.ReplyWriter) *Client {
	if w == nil {
		w = resp.Discard{}
	}
	return &Client{Name: name, W: w}
}

// NewScriptClient returns the fake caller identity a scripting engine uses
// for commands invoked by its scripts.
func NewScriptClient(engine string) *Client {
	c := NewClient("script:"+engine, resp.Discard{})
	c.Fake = true
	c.Script = true
	c.DenyBlocking = true
	return c
}

// SetDenyWrites toggles the per-run write guard. The dispatcher arms it
// from the folded script flags before the engine call.
func (c *Client) SetDenyWrites(v bool) { c.denyWrites.Store(v) }

func (c *Client) DenyWrites() bool { return c.denyWrites.Load() }

// ResetDirty clears the write marker before a run; Dirty reports whether
// the run has performed a write since (kill eligibility check).
func (c *Client) ResetDirty() { c.wroteDirty.Store(false) }
func (c *Client) Dirty() bool { return c.wroteDirty.Load() }
func (c *Client) markWrite()  { c.wroteDirty.Store(true) }

// Reply writes v through the client's writer.
func (c *Client) Reply(v resp.Value) {
	if c.W != nil {
		_ = c.W.WriteValue(v)
	}
}
