// Package netpeer implements the client-side peer connection engine
// (spec.md §4.4, §3.6, §3.7): the TCP control channel to the rendezvous
// server, the disconnected/connecting/handshake/login/connected state
// machine, and per-peer dual-candidate UDP probing. Grounded on
// client/transport.go's Connect/readControl/pingLoop goroutine shape,
// adapted from WebTransport sessions + JSON control messages
// to a plain TCP+SLIP+OSC control channel and raw UDP peer probing.
package netpeer

import (
	"sync/atomic"
	"time"

	"aoo/netaddr"
)

// Peer is one remote participant discovered through the server's
// peer/join notification (spec.md §3.6).
type Peer struct {
	GroupName string
	UserName  string
	GroupID   int32
	UserID    int32

	candidates []netaddr.IpAddress

	// realAddress is the candidate that answered first, set atomically by
	// the first peer message received from one of the candidates. nil until
	// resolved.
	realAddress atomic.Pointer[netaddr.IpAddress]

	startTime        time.Time
	lastPingTime      atomic.Int64 // UnixNano; 0 if never pinged
	sendReplyPending atomic.Bool
	timedOut         atomic.Bool
}

// NewPeer constructs a peer with its candidate address list (public and
// local, at minimum; spec.md §3.6).
func NewPeer(groupName, userName string, groupID, userID int32, candidates []netaddr.IpAddress) *Peer {
	return &Peer{
		GroupName:  groupName,
		UserName:   userName,
		GroupID:    groupID,
		UserID:     userID,
		candidates: candidates,
		startTime:  time.Now(),
	}
}

// Candidates returns the peer's probe address list.
func (p *Peer) Candidates() []netaddr.IpAddress { return p.candidates }

// RealAddress returns the address that answered first, or (zero, false) if
// none has answered yet.
func (p *Peer) RealAddress() (netaddr.IpAddress, bool) {
	addr := p.realAddress.Load()
	if addr == nil {
		return netaddr.IpAddress{}, false
	}
	return *addr, true
}

// ResolveAddress records the first address to answer a ping. Subsequent
// calls are no-ops: spec.md §3.6 "set atomically on first reply".
func (p *Peer) ResolveAddress(addr netaddr.IpAddress) bool {
	if p.realAddress.Load() != nil {
		return false
	}
	return p.realAddress.CompareAndSwap(nil, &addr)
}

// MarkPingSent records the wall-clock time of the most recent ping probe.
func (p *Peer) MarkPingSent(t time.Time) {
	p.lastPingTime.Store(t.UnixNano())
}

// LastPingTime returns the last recorded ping time, or the zero time if
// none has been sent yet.
func (p *Peer) LastPingTime() time.Time {
	ns := p.lastPingTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// TimedOut reports whether the peer has exceeded its probe timeout without
// a reply on any candidate.
func (p *Peer) TimedOut() bool { return p.timedOut.Load() }

// MarkTimedOut flags the peer as unreachable; PingPeers skips it from then
// on. The peer stays in the client's roster.
func (p *Peer) MarkTimedOut() { p.timedOut.Store(true) }
