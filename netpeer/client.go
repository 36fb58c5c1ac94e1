package netpeer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"aoo/netaddr"
	"aoo/oscaddr"
	"aoo/queue"
	"aoo/slip"
)

// State is the connection client's place in the handshake state machine
// (spec.md §4.4).
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshake
	StateLogin
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshake:
		return "handshake"
	case StateLogin:
		return "login"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Default timeouts (spec.md §5 "Timeouts").
const (
	DefaultPingInterval    = 5 * time.Second
	DefaultRequestInterval = 500 * time.Millisecond
	DefaultRequestTimeout  = 5 * time.Second
)

// EventKind enumerates host-visible connection events.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventLoginFailed
	EventPeerJoined
	EventPeerLeft
	EventError
	EventPeerMessage
)

// EventLevel classifies an Event's severity, letting host code triage
// without string-matching on EventKind (SPEC_FULL.md §3's Event.Level
// supplement, mirroring the C++ reference's AOO_WARN/AOO_ERROR split).
type EventLevel int

const (
	LevelInfo EventLevel = iota
	LevelWarn
	LevelError
)

// Event is delivered to the host through PollEvents.
type Event struct {
	Kind    EventKind
	Level   EventLevel
	State   State
	Message string
	Peer    *Peer
	// Payload carries the blob argument of an EventPeerMessage.
	Payload []byte
}

// Command is one host-issued action, executed in FIFO order on the network
// thread (spec.md §5 "Commands on the client are executed in FIFO order").
type Command struct {
	Kind CommandKind
	// JoinGroup/LeaveGroup
	Group    string
	Password string
	// SendMessage
	User    string
	Payload []byte
}

type CommandKind int

const (
	CommandJoinGroup CommandKind = iota
	CommandLeaveGroup
	CommandDisconnect
	CommandSendMessage
)

// Client is the connection-client engine: TCP control channel to the
// rendezvous server plus the peer roster it learns about over that
// channel (spec.md §3.7).
type Client struct {
	state atomic.Int32

	mu       sync.Mutex
	conn     net.Conn
	writer   *slip.Writer
	reader   *slip.Reader
	udpConn  *net.UDPConn
	username string
	passHex  string

	publicAddr netaddr.IpAddress
	localAddr  netaddr.IpAddress

	groupID atomic.Int32
	userID  atomic.Int32

	pingInterval    time.Duration
	requestInterval time.Duration
	requestTimeout  time.Duration

	peersMu sync.RWMutex
	peers   map[string]*Peer

	events   *queue.MPSC[Event]
	commands *queue.MPSC[Command]

	disconnectReason atomic.Value // string
}

// NewClient constructs a disconnected client with default timeouts.
func NewClient() *Client {
	c := &Client{
		peers:           make(map[string]*Peer),
		events:          queue.NewMPSC[Event](),
		commands:        queue.NewMPSC[Command](),
		pingInterval:    DefaultPingInterval,
		requestInterval: DefaultRequestInterval,
		requestTimeout:  DefaultRequestTimeout,
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// State returns the client's current state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State, reason string) {
	c.state.Store(int32(s))
	level := LevelInfo
	if s == StateDisconnected && reason != "" {
		c.disconnectReason.Store(reason)
		level = LevelError
	}
	c.events.Push(Event{Kind: EventStateChanged, Level: level, State: s, Message: reason})
}

// DisconnectReason returns the message passed to the most recent transition
// into StateDisconnected, or "" if the client has never disconnected with a
// reason (a host-initiated Disconnect() carries none).
func (c *Client) DisconnectReason() string {
	s, _ := c.disconnectReason.Load().(string)
	return s
}

// HashPassword returns the lowercase-hex MD5 digest the wire protocol
// expects (spec.md §6.4).
func HashPassword(plain string) string {
	sum := md5.Sum([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Connect dials the rendezvous server over TCP, runs the UDP handshake to
// discover this client's public address, then logs in (spec.md §4.4). It
// blocks until the client reaches connected or the handshake/login fails.
func (c *Client) Connect(ctx context.Context, serverAddr, username, password string) error {
	c.setState(StateConnecting, "")
	c.username = username
	c.passHex = HashPassword(password)

	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		c.setState(StateDisconnected, err.Error())
		return fmt.Errorf("netpeer: dial tcp: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.writer = slip.NewWriter(conn)
	c.reader = slip.NewReader(conn)
	c.mu.Unlock()

	udpAddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		c.setState(StateDisconnected, err.Error())
		conn.Close()
		return fmt.Errorf("netpeer: resolve udp: %w", err)
	}
	// The peer probe phase talks to arbitrary candidate addresses, so this
	// socket stays unconnected (bound, not dialed) for its whole lifetime.
	// A connected UDP socket refuses sendto to any address but its peer.
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		c.setState(StateDisconnected, err.Error())
		conn.Close()
		return fmt.Errorf("netpeer: open udp: %w", err)
	}
	c.mu.Lock()
	c.udpConn = udpConn
	c.localAddr = netaddr.NewIpAddress(udpConn.LocalAddr().(*net.UDPAddr).IP, uint16(udpConn.LocalAddr().(*net.UDPAddr).Port))
	c.mu.Unlock()

	c.setState(StateHandshake, "")
	pubAddr, err := c.runHandshake(ctx, udpConn, udpAddr)
	if err != nil {
		c.setState(StateDisconnected, err.Error())
		conn.Close()
		udpConn.Close()
		return err
	}
	c.mu.Lock()
	c.publicAddr = pubAddr
	c.mu.Unlock()

	c.setState(StateLogin, "")
	if err := c.login(ctx); err != nil {
		c.setState(StateDisconnected, err.Error())
		conn.Close()
		return err
	}

	c.setState(StateConnected, "")
	return nil
}

// runHandshake repeatedly sends /aoo/server/request over UDP until a reply
// carrying the client's public address arrives or requestTimeout elapses
// (spec.md §4.4 "handshake"). conn is the client's persistent UDP socket,
// later reused for peer probing.
func (c *Client) runHandshake(ctx context.Context, conn *net.UDPConn, serverAddr *net.UDPAddr) (netaddr.IpAddress, error) {
	deadline := time.Now().Add(c.requestTimeout)
	msg := oscaddr.Message{Address: oscaddr.BuildAddress(oscaddr.RoleServer, oscaddr.NoID, "request")}
	raw, err := oscaddr.Marshal(msg)
	if err != nil {
		return netaddr.IpAddress{}, err
	}

	buf := make([]byte, 1500)
	for time.Now().Before(deadline) {
		if _, err := conn.WriteToUDP(raw, serverAddr); err != nil {
			return netaddr.IpAddress{}, err
		}
		conn.SetReadDeadline(time.Now().Add(c.requestInterval))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue // timeout on this attempt, retry
		}
		reply, err := oscaddr.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		pa, err := oscaddr.ParseAddress(reply.Address)
		if err != nil || pa.Role != oscaddr.RoleClient || pa.Verb != "reply" {
			continue
		}
		if len(reply.Args) < 2 {
			continue
		}
		host, _ := reply.Args[0].(string)
		port, _ := reply.Args[1].(int32)
		ip := net.ParseIP(host)
		return netaddr.NewIpAddress(ip, uint16(port)), nil
	}
	return netaddr.IpAddress{}, fmt.Errorf("netpeer: UDP handshake time out")
}

// login sends /aoo/server/login over TCP and waits for login_reply
// (spec.md §4.4 "login").
func (c *Client) login(ctx context.Context) error {
	c.mu.Lock()
	pub := c.publicAddr
	c.mu.Unlock()

	msg := oscaddr.Message{
		Address: oscaddr.BuildAddress(oscaddr.RoleServer, oscaddr.NoID, "login"),
		Args: []any{
			c.username, c.passHex, pub.IP().String(), int32(pub.Port),
			c.localAddr.IP().String(), int32(c.localAddr.Port),
		},
	}
	raw, err := oscaddr.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	werr := c.writer.WritePacket(raw)
	c.mu.Unlock()
	if werr != nil {
		return fmt.Errorf("netpeer: write login: %w", werr)
	}

	packet, err := c.reader.ReadPacket()
	if err != nil {
		return fmt.Errorf("netpeer: read login reply: %w", err)
	}
	reply, err := oscaddr.Unmarshal(packet)
	if err != nil {
		return fmt.Errorf("netpeer: parse login reply: %w", err)
	}
	return c.handleLoginReply(reply)
}

func (c *Client) handleLoginReply(msg oscaddr.Message) error {
	pa, err := oscaddr.ParseAddress(msg.Address)
	if err != nil || pa.Role != oscaddr.RoleClient || pa.Verb != "login" {
		return fmt.Errorf("netpeer: unexpected reply address %q", msg.Address)
	}
	if len(msg.Args) < 2 {
		return fmt.Errorf("netpeer: malformed login reply")
	}
	status, _ := msg.Args[0].(int32)
	if status == 0 {
		errMsg, _ := msg.Args[1].(string)
		c.events.Push(Event{Kind: EventLoginFailed, Level: LevelError, Message: errMsg})
		return fmt.Errorf("netpeer: login failed: %s", errMsg)
	}
	userID, _ := msg.Args[1].(int32)
	c.userID.Store(userID)
	return nil
}

// PushCommand enqueues a host command for FIFO execution on the network
// thread.
func (c *Client) PushCommand(cmd Command) { c.commands.Push(cmd) }

// DrainCommands executes every queued command in FIFO order. Called from
// the network thread.
func (c *Client) DrainCommands() {
	for {
		cmd, ok := c.commands.Pop()
		if !ok {
			return
		}
		c.execCommand(cmd)
	}
}

func (c *Client) execCommand(cmd Command) {
	switch cmd.Kind {
	case CommandJoinGroup:
		c.sendGroupMessage("join", cmd.Group, cmd.Password)
	case CommandLeaveGroup:
		c.sendGroupMessage("leave", cmd.Group, "")
	case CommandDisconnect:
		c.Disconnect()
	case CommandSendMessage:
		c.sendPeerMessage(cmd.Group, cmd.User, cmd.Payload)
	}
}

// sendPeerMessage sends /aoo/peer/message (spec.md §6.2: a single blob
// argument, UDP, no embedded sender identity since the peer resolves the
// sender from the datagram's source address the same way ping/reply do) to
// the named peer's best-known address, for the send_message host command
// (spec.md §4.4 "Commands and replies").
func (c *Client) sendPeerMessage(group, user string, payload []byte) {
	c.mu.Lock()
	conn := c.udpConn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.peersMu.RLock()
	peer, ok := c.peers[peerKey(group, user)]
	c.peersMu.RUnlock()
	if !ok {
		return
	}
	msg := oscaddr.Message{
		Address: oscaddr.BuildAddress(oscaddr.RolePeer, oscaddr.NoID, "message"),
		Args:    []any{payload},
	}
	raw, err := oscaddr.Marshal(msg)
	if err != nil {
		return
	}
	if addr, ok := peer.RealAddress(); ok {
		conn.WriteToUDP(raw, addr.UDPAddr())
		return
	}
	for _, cand := range peer.Candidates() {
		conn.WriteToUDP(raw, cand.UDPAddr())
	}
}

func (c *Client) sendGroupMessage(verb, group, password string) {
	args := []any{group}
	if verb == "join" {
		args = append(args, HashPassword(password))
	}
	msg := oscaddr.Message{Address: oscaddr.BuildAddress(oscaddr.RoleServer, oscaddr.NoID, "group/"+verb), Args: args}
	raw, err := oscaddr.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer != nil {
		c.writer.WritePacket(raw)
	}
}

// HandlePeerJoin processes an /aoo/client/peer/join control message,
// registering a new Peer with dual candidate addresses.
func (c *Client) HandlePeerJoin(msg oscaddr.Message) error {
	if len(msg.Args) < 6 {
		return fmt.Errorf("netpeer: malformed peer/join")
	}
	group, _ := msg.Args[0].(string)
	user, _ := msg.Args[1].(string)
	pubHost, _ := msg.Args[2].(string)
	pubPort, _ := msg.Args[3].(int32)
	locHost, _ := msg.Args[4].(string)
	locPort, _ := msg.Args[5].(int32)
	var userID int32
	if len(msg.Args) > 6 {
		userID, _ = msg.Args[6].(int32)
	}

	candidates := []netaddr.IpAddress{
		netaddr.NewIpAddress(net.ParseIP(pubHost), uint16(pubPort)),
		netaddr.NewIpAddress(net.ParseIP(locHost), uint16(locPort)),
	}
	peer := NewPeer(group, user, c.groupID.Load(), userID, candidates)

	c.peersMu.Lock()
	c.peers[peerKey(group, user)] = peer
	c.peersMu.Unlock()

	c.events.Push(Event{Kind: EventPeerJoined, Level: LevelInfo, Peer: peer})
	return nil
}

// HandlePeerLeave removes a peer from the roster.
func (c *Client) HandlePeerLeave(group, user string) {
	c.peersMu.Lock()
	peer, ok := c.peers[peerKey(group, user)]
	delete(c.peers, peerKey(group, user))
	c.peersMu.Unlock()
	if ok {
		c.events.Push(Event{Kind: EventPeerLeft, Level: LevelInfo, Peer: peer})
	}
}

func peerKey(group, user string) string { return group + "/" + user }

// Peers returns a snapshot of the current peer roster.
func (c *Client) Peers() []*Peer {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	out := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// PollEvents drains the event queue on the caller's thread.
func (c *Client) PollEvents(handler func(Event)) {
	for {
		ev, ok := c.events.Pop()
		if !ok {
			return
		}
		handler(ev)
	}
}

// UDPConn returns the client's bound (not dialed) UDP socket, opened by
// Connect for the public-address handshake and reused for peer probing.
// A host also sends/receives AOO source/sink audio datagrams through this
// same socket, muxed by OSC role (spec.md §6.1: one UDP endpoint carries
// both the handshake and the audio plane). Returns nil before Connect
// succeeds.
func (c *Client) UDPConn() *net.UDPConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.udpConn
}

// ServeControl reads control messages off the TCP connection until ctx is
// cancelled or the connection is closed, dispatching peer/join and
// peer/leave notifications to the roster (spec.md §4.4's "server pushes
// peer/join and peer/leave over the control channel"). Any other control
// address is ignored. Call this from its own goroutine once Connect
// returns successfully.
func (c *Client) ServeControl(ctx context.Context) error {
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()
	if reader == nil {
		return fmt.Errorf("netpeer: ServeControl called before Connect")
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		packet, err := reader.ReadPacket()
		if err != nil {
			c.setState(StateDisconnected, err.Error())
			return err
		}
		msg, err := oscaddr.Unmarshal(packet)
		if err != nil {
			continue
		}
		pa, err := oscaddr.ParseAddress(msg.Address)
		if err != nil || pa.Role != oscaddr.RoleClient {
			continue
		}
		switch pa.Verb {
		case "peer/join":
			c.HandlePeerJoin(msg)
		case "peer/leave":
			if len(msg.Args) >= 2 {
				group, _ := msg.Args[0].(string)
				user, _ := msg.Args[1].(string)
				c.HandlePeerLeave(group, user)
			}
		}
	}
}

// Disconnect closes the TCP control connection and clears peer state
// (spec.md §7 "Session fatal": close TCP, clear peers, emit Disconnect).
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	udpConn := c.udpConn
	c.conn = nil
	c.udpConn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if udpConn != nil {
		udpConn.Close()
	}
	c.peersMu.Lock()
	c.peers = make(map[string]*Peer)
	c.peersMu.Unlock()
	c.setState(StateDisconnected, "")
}

// PingPeers sends probe pings to every peer whose real_address is still
// unresolved, alternating both candidates at requestInterval, and marks a
// peer timed-out once requestTimeout has elapsed since it was discovered
// (spec.md §4.4 "Peer UDP handshake"). Call periodically from the network
// thread once connected.
func (c *Client) PingPeers(now time.Time) {
	c.mu.Lock()
	conn := c.udpConn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	msg := oscaddr.Message{Address: oscaddr.BuildAddress(oscaddr.RolePeer, oscaddr.NoID, "ping")}
	raw, err := oscaddr.Marshal(msg)
	if err != nil {
		return
	}
	for _, p := range c.Peers() {
		if p.TimedOut() {
			continue
		}
		if _, ok := p.RealAddress(); ok {
			continue
		}
		if now.Sub(p.startTime) > c.requestTimeout {
			p.MarkTimedOut()
			c.events.Push(Event{Kind: EventError, Level: LevelError, Message: "peer handshake timed out", Peer: p})
			continue
		}
		last := p.LastPingTime()
		if !last.IsZero() && now.Sub(last) < c.requestInterval {
			continue
		}
		for _, cand := range p.Candidates() {
			conn.WriteToUDP(raw, cand.UDPAddr())
		}
		p.MarkPingSent(now)
	}
}

// HandlePeerDatagram dispatches one incoming UDP datagram from a candidate
// or resolved peer address: a ping resolves real_address on first reply and
// triggers a reply back (spec.md "the first address that answers with any
// peer message becomes real_address").
func (c *Client) HandlePeerDatagram(raw []byte, from netaddr.IpAddress) error {
	msg, err := oscaddr.Unmarshal(raw)
	if err != nil {
		return err
	}
	pa, err := oscaddr.ParseAddress(msg.Address)
	if err != nil || pa.Role != oscaddr.RolePeer {
		return fmt.Errorf("netpeer: not a peer message: %q", msg.Address)
	}

	peer := c.peerForAddress(from)
	if peer == nil {
		return nil
	}
	if _, already := peer.RealAddress(); !already {
		if peer.ResolveAddress(from) {
			c.events.Push(Event{Kind: EventPeerJoined, Level: LevelInfo, Peer: peer})
		}
	}

	switch pa.Verb {
	case "ping":
		c.mu.Lock()
		conn := c.udpConn
		c.mu.Unlock()
		if conn == nil {
			return nil
		}
		reply := oscaddr.Message{Address: oscaddr.BuildAddress(oscaddr.RolePeer, oscaddr.NoID, "reply")}
		rawReply, err := oscaddr.Marshal(reply)
		if err != nil {
			return err
		}
		_, err = conn.WriteToUDP(rawReply, from.UDPAddr())
		return err
	case "message":
		if len(msg.Args) < 1 {
			return nil
		}
		payload, _ := msg.Args[0].([]byte)
		c.events.Push(Event{Kind: EventPeerMessage, Level: LevelInfo, Peer: peer, Payload: payload})
	}
	return nil
}

// peerForAddress finds the peer a datagram from addr belongs to: its
// resolved real_address, or one of its still-probing candidates (spec.md
// "Addressing peer messages").
func (c *Client) peerForAddress(addr netaddr.IpAddress) *Peer {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	for _, p := range c.peers {
		if real, ok := p.RealAddress(); ok {
			if real.Equal(addr) {
				return p
			}
			continue
		}
		for _, cand := range p.Candidates() {
			if cand.Equal(addr) {
				return p
			}
		}
	}
	return nil
}
