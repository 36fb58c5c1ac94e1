// Package rendezvous implements the minimal connection/rendezvous server
// (spec.md §6.5): a TCP control listener accepting login/group-join/
// group-leave requests, a UDP responder for the client's public-address
// handshake, and a group roster that fans out peer/join and peer/leave
// notifications. Grounded on server/server.go's listen-loop shape and
// server/room.go's connected-client roster, adapted from a WebSocket room
// to a TCP+SLIP+OSC control channel with no transport-level TLS (the
// audio-plane UDP datagrams and control-plane TCP stream both carry raw
// OSC, per spec.md §6.1).
package rendezvous

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"aoo/netaddr"
	"aoo/netpeer"
	"aoo/oscaddr"
	"aoo/rendezvous/store"
	"aoo/slip"
)

// Config holds the server's tunables, matching spec.md §6.5's CLI surface.
type Config struct {
	Addr           string // TCP control listen address
	UDPAddr        string // UDP handshake listen address (defaults to Addr's host:port)
	Relay          bool   // enable server-side relay (spec.md §6.5 -r/--relay)
	ControlPerSec  int    // rate.Limiter budget per connection; 0 disables limiting
	RequestTimeout time.Duration
}

// DefaultControlPerSec caps control-message rate per connection absent an
// explicit Config value, generalizing the teacher's controlRateLimit field.
const DefaultControlPerSec = 50

// member is one logged-in, group-joined client.
type member struct {
	userID   int32
	userName string
	pubAddr  netaddr.IpAddress
	locAddr  netaddr.IpAddress
	session  *session
}

// group is an in-memory roster of members sharing a group name.
type group struct {
	name    string
	members map[int32]*member
}

// Server is the rendezvous server: login/group control plane plus UDP
// public-address discovery.
type Server struct {
	cfg   Config
	store *store.Store

	mu     sync.Mutex
	groups map[string]*group

	sessMu   sync.Mutex
	sessions map[*session]struct{}

	nextUserID atomic.Int32

	udpConn *net.UDPConn
}

// New constructs a rendezvous server backed by st for account persistence.
func New(cfg Config, st *store.Store) *Server {
	if cfg.ControlPerSec == 0 {
		cfg.ControlPerSec = DefaultControlPerSec
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = netpeer.DefaultRequestTimeout
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		groups:   make(map[string]*group),
		sessions: make(map[*session]struct{}),
	}
}

// Run accepts TCP control connections and serves the UDP handshake
// responder until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("rendezvous: listen tcp: %w", err)
	}
	defer ln.Close()

	udpAddr := s.cfg.UDPAddr
	if udpAddr == "" {
		udpAddr = s.cfg.Addr
	}
	packetConn, err := reusePortListenConfig().ListenPacket(ctx, "udp", udpAddr)
	if err != nil {
		return fmt.Errorf("rendezvous: listen udp: %w", err)
	}
	udpConn := packetConn.(*net.UDPConn)
	s.udpConn = udpConn
	defer udpConn.Close()

	go s.serveUDP(ctx, udpConn)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("[rendezvous] listening tcp=%s udp=%s relay=%v", s.cfg.Addr, udpAddr, s.cfg.Relay)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rendezvous: accept: %w", err)
			}
		}
		sess := newSession(s, conn)
		s.sessMu.Lock()
		s.sessions[sess] = struct{}{}
		s.sessMu.Unlock()
		go sess.serve(ctx)
	}
}

// deadSessions returns every registered session that has gone silent for
// longer than twice the configured request timeout, for the janitor's
// periodic sweep. A session stops reading control frames (without a clean
// group/leave) when its client crashes or its network path drops, so
// elapsed wall-clock time since the last read is the only signal available
// on the control-plane side.
func (s *Server) deadSessions() []*session {
	deadline := time.Now().Add(-2 * s.cfg.RequestTimeout)
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	var dead []*session
	for sess := range s.sessions {
		if time.Unix(0, sess.lastActive.Load()).Before(deadline) {
			dead = append(dead, sess)
		}
	}
	return dead
}

// forgetSession removes sess from the server's liveness registry, called
// once its connection is closed so the janitor doesn't keep sweeping it.
func (s *Server) forgetSession(sess *session) {
	s.sessMu.Lock()
	delete(s.sessions, sess)
	s.sessMu.Unlock()
}

// serveUDP answers /aoo/server/request with the sender's observed public
// address and accepts /aoo/server/ping keepalives without replying (spec.md
// §6.2).
func (s *Server) serveUDP(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		msg, err := oscaddr.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		pa, err := oscaddr.ParseAddress(msg.Address)
		if err != nil || pa.Role != oscaddr.RoleServer {
			continue
		}
		switch pa.Verb {
		case "request":
			reply := oscaddr.Message{
				Address: oscaddr.BuildAddress(oscaddr.RoleClient, oscaddr.NoID, "reply"),
				Args:    []any{from.IP.String(), int32(from.Port)},
			}
			raw, err := oscaddr.Marshal(reply)
			if err != nil {
				continue
			}
			conn.WriteToUDP(raw, from)
		case "ping":
			// keepalive only; no reply defined in spec.md §6.2's table.
		}
	}
}

// session is one TCP control connection: login state, the groups this
// connection has joined, and the SLIP writer serializing outbound frames.
type session struct {
	srv    *Server
	conn      net.Conn
	writer    *slip.Writer
	reader    *slip.Reader
	wmu       sync.Mutex
	closeOnce sync.Once

	limiter *rate.Limiter

	loggedIn bool
	userID   int32
	userName string
	pubAddr  netaddr.IpAddress
	locAddr  netaddr.IpAddress

	joinedMu sync.Mutex
	joined   map[string]bool

	lastActive atomic.Int64 // unix nanos, updated on every successful read
}

func newSession(srv *Server, conn net.Conn) *session {
	var lim *rate.Limiter
	if srv.cfg.ControlPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(srv.cfg.ControlPerSec), srv.cfg.ControlPerSec)
	}
	sess := &session{
		srv:     srv,
		conn:    conn,
		writer:  slip.NewWriter(conn),
		reader:  slip.NewReader(conn),
		limiter: lim,
		joined:  make(map[string]bool),
	}
	sess.lastActive.Store(time.Now().UnixNano())
	return sess
}

func (sess *session) serve(ctx context.Context) {
	defer sess.close()
	for {
		packet, err := sess.reader.ReadPacket()
		if err != nil {
			return
		}
		sess.lastActive.Store(time.Now().UnixNano())
		if sess.limiter != nil && !sess.limiter.Allow() {
			continue // drop over-budget control messages rather than disconnect
		}
		msg, err := oscaddr.Unmarshal(packet)
		if err != nil {
			log.Printf("[rendezvous] malformed control message from %s: %v", sess.conn.RemoteAddr(), err)
			continue
		}
		if err := sess.handle(msg); err != nil {
			log.Printf("[rendezvous] %s: %v", sess.conn.RemoteAddr(), err)
		}
	}
}

func (sess *session) handle(msg oscaddr.Message) error {
	pa, err := oscaddr.ParseAddress(msg.Address)
	if err != nil {
		return err
	}
	if pa.Role != oscaddr.RoleServer {
		return fmt.Errorf("unexpected address %q on control channel", msg.Address)
	}
	switch pa.Verb {
	case "login":
		return sess.handleLogin(msg)
	case "group/join":
		return sess.handleGroupJoin(msg)
	case "group/leave":
		return sess.handleGroupLeave(msg)
	case "ping":
		return nil
	default:
		return fmt.Errorf("unknown control verb %q", pa.Verb)
	}
}

func (sess *session) handleLogin(msg oscaddr.Message) error {
	if len(msg.Args) < 6 {
		return sess.writeLoginReply(0, "malformed login")
	}
	user, _ := msg.Args[0].(string)
	pwdHash, _ := msg.Args[1].(string)
	pubHost, _ := msg.Args[2].(string)
	pubPort, _ := msg.Args[3].(int32)
	locHost, _ := msg.Args[4].(string)
	locPort, _ := msg.Args[5].(int32)

	ok, err := sess.srv.store.CheckUserPassword(user, pwdHash)
	if err != nil {
		return sess.writeLoginReply(0, "internal error")
	}
	if !ok {
		// Unknown users are auto-registered on first login, matching a
		// rendezvous server with no separate signup flow; a known user with
		// a mismatched password is refused.
		createErr := sess.srv.store.CreateUser(user, pwdHash)
		if createErr == store.ErrExists {
			return sess.writeLoginReply(0, "wrong password")
		}
		if createErr != nil {
			return sess.writeLoginReply(0, "internal error")
		}
	}

	sess.userID = sess.srv.nextUserID.Add(1)
	sess.userName = user
	sess.pubAddr = netaddr.NewIpAddress(net.ParseIP(pubHost), uint16(pubPort))
	sess.locAddr = netaddr.NewIpAddress(net.ParseIP(locHost), uint16(locPort))
	sess.loggedIn = true

	return sess.writeLoginReplyOK(sess.userID)
}

func (sess *session) writeLoginReply(status int32, errMsg string) error {
	msg := oscaddr.Message{
		Address: oscaddr.BuildAddress(oscaddr.RoleClient, oscaddr.NoID, "login"),
		Args:    []any{status, errMsg},
	}
	return sess.write(msg)
}

func (sess *session) writeLoginReplyOK(userID int32) error {
	msg := oscaddr.Message{
		Address: oscaddr.BuildAddress(oscaddr.RoleClient, oscaddr.NoID, "login"),
		Args:    []any{int32(1), userID},
	}
	return sess.write(msg)
}

func (sess *session) handleGroupJoin(msg oscaddr.Message) error {
	if !sess.loggedIn {
		return fmt.Errorf("group/join before login")
	}
	if len(msg.Args) < 2 {
		return fmt.Errorf("malformed group/join")
	}
	groupName, _ := msg.Args[0].(string)
	pwdHash, _ := msg.Args[1].(string)

	ok, err := sess.srv.store.CheckGroupPassword(groupName, pwdHash)
	if err != nil {
		return err
	}
	if !ok {
		// Unregistered groups are created on first join.
		if createErr := sess.srv.store.CreateGroup(groupName, pwdHash); createErr != nil && createErr != store.ErrExists {
			return createErr
		}
	}
	sess.srv.store.RecordMembership(groupName, sess.userName)

	others := sess.srv.joinGroup(groupName, sess)

	// Tell the joining client about every peer already in the group, and
	// tell every existing peer about the new arrival (spec.md §3.6 "both
	// endpoints are stored").
	self := &member{
		userID: sess.userID, userName: sess.userName,
		pubAddr: sess.pubAddr, locAddr: sess.locAddr, session: sess,
	}
	for _, other := range others {
		sess.sendPeerJoin(groupName, other)
		other.session.sendPeerJoin(groupName, self)
	}

	return nil
}

func (sess *session) handleGroupLeave(msg oscaddr.Message) error {
	if len(msg.Args) < 1 {
		return fmt.Errorf("malformed group/leave")
	}
	groupName, _ := msg.Args[0].(string)
	sess.srv.leaveGroup(groupName, sess)
	sess.srv.store.ForgetMembership(groupName, sess.userName)
	return nil
}

func (sess *session) sendPeerJoin(groupName string, peer *member) error {
	msg := oscaddr.Message{
		Address: oscaddr.BuildAddress(oscaddr.RoleClient, oscaddr.NoID, "peer/join"),
		Args: []any{
			groupName, peer.userName,
			peer.pubAddr.IP().String(), int32(peer.pubAddr.Port),
			peer.locAddr.IP().String(), int32(peer.locAddr.Port),
			peer.userID,
		},
	}
	return sess.write(msg)
}

func (sess *session) sendPeerLeave(groupName, userName string, userID int32) error {
	msg := oscaddr.Message{
		Address: oscaddr.BuildAddress(oscaddr.RoleClient, oscaddr.NoID, "peer/leave"),
		Args:    []any{groupName, userName, userID},
	}
	return sess.write(msg)
}

func (sess *session) write(msg oscaddr.Message) error {
	raw, err := oscaddr.Marshal(msg)
	if err != nil {
		return err
	}
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	return sess.writer.WritePacket(raw)
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		sess.conn.Close()
	})
	sess.srv.forgetSession(sess)
	sess.joinedMu.Lock()
	groups := make([]string, 0, len(sess.joined))
	for g := range sess.joined {
		groups = append(groups, g)
	}
	sess.joinedMu.Unlock()
	for _, g := range groups {
		sess.srv.leaveGroup(g, sess)
	}
}

// joinGroup adds sess to the named group's roster and returns a snapshot of
// the members already present (before the add), taken under the server
// lock so the caller can safely notify them without racing concurrent
// join/leave calls on the same group.
func (s *Server) joinGroup(name string, sess *session) []*member {
	s.mu.Lock()
	g, ok := s.groups[name]
	if !ok {
		g = &group{name: name, members: make(map[int32]*member)}
		s.groups[name] = g
	}
	others := make([]*member, 0, len(g.members))
	for _, m := range g.members {
		others = append(others, m)
	}
	g.members[sess.userID] = &member{
		userID: sess.userID, userName: sess.userName,
		pubAddr: sess.pubAddr, locAddr: sess.locAddr, session: sess,
	}
	s.mu.Unlock()

	sess.joinedMu.Lock()
	sess.joined[name] = true
	sess.joinedMu.Unlock()
	return others
}

func (s *Server) leaveGroup(name string, sess *session) {
	s.mu.Lock()
	g, ok := s.groups[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(g.members, sess.userID)
	empty := len(g.members) == 0
	if empty {
		delete(s.groups, name)
	}
	remaining := make([]*member, 0, len(g.members))
	for _, m := range g.members {
		remaining = append(remaining, m)
	}
	s.mu.Unlock()

	sess.joinedMu.Lock()
	delete(sess.joined, name)
	sess.joinedMu.Unlock()

	for _, m := range remaining {
		m.session.sendPeerLeave(name, sess.userName, sess.userID)
	}
}

// GroupNames returns the names of currently active (non-empty) in-memory
// groups, for the HTTP status API.
func (s *Server) GroupNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	return names
}

// MemberCount returns the total number of logged-in, group-joined sessions
// across every active group, for the HTTP status API.
func (s *Server) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.groups {
		n += len(g.members)
	}
	return n
}
