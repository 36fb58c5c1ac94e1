// Command aooclient is a headless reference source+sink driver: it logs
// into a rendezvous server, joins one group, discovers peers over the
// control channel, and streams audio to/from every peer it learns about
// over a single UDP socket shared between the handshake/probe protocol and
// the AOO audio plane (spec.md §6.1).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"aoo/codec"
	_ "aoo/codec/opus"
	"aoo/netaddr"
	"aoo/netpeer"
	"aoo/oscaddr"
	"aoo/sink"
	"aoo/source"
)

// Every aooclient process runs exactly one source and one sink, so there is
// no id-negotiation problem to solve: both engines use this fixed local id,
// and remote peers are always addressed with the same id on their end
// (source.Source.HandleMessage/sink.Sink.HandleMessage treat the Endpoint
// they're given purely as a routing key, never re-deriving it from the OSC
// address's own id segment).
const localEndpointID netaddr.EndpointId = 1

func main() {
	var (
		serverAddr  = pflag.StringP("server", "s", "", "rendezvous server address (host:port)")
		username    = pflag.StringP("user", "u", "", "login username")
		password    = pflag.StringP("pass", "p", "", "login password")
		group       = pflag.StringP("group", "g", "", "group to join")
		groupPass   = pflag.String("group-pass", "", "group password")
		codecName   = pflag.String("codec", "opus", "audio codec")
		bitrate     = pflag.Int("bitrate", 32000, "initial encoder bitrate (bps)")
		sampleRate  = pflag.Float64("sample-rate", 48000, "audio sample rate (Hz)")
		blockSize   = pflag.Int("block-size", 960, "audio block size (samples per channel)")
		channels    = pflag.Int("channels", 1, "channel count")
		packetSize  = pflag.Int("packet-size", 1200, "max UDP payload size for fragmentation")
		inputDevice = pflag.Int("input-device", -1, "PortAudio input device index (-1 = default)")
		outputDev   = pflag.Int("output-device", -1, "PortAudio output device index (-1 = default)")
		testTone    = pflag.Bool("test-tone", false, "replace microphone capture with a synthesized sine wave")
		logLevel    = pflag.IntP("log-level", "l", 0, "log verbosity: 0=info 1=debug 2=warn-only")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -s host:port -u user -p pass -g group [flags]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	configureLogging(*logLevel)

	if *serverAddr == "" || *username == "" || *group == "" {
		pflag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		charmlog.Info("shutting down")
		cancel()
	}()

	client := netpeer.NewClient()
	charmlog.Infof("connecting to %s as %q", *serverAddr, *username)
	if err := client.Connect(ctx, *serverAddr, *username, *password); err != nil {
		charmlog.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	client.PushCommand(netpeer.Command{Kind: netpeer.CommandJoinGroup, Group: *group, Password: *groupPass})
	client.DrainCommands()
	charmlog.Infof("joined group %q", *group)

	go func() {
		if err := client.ServeControl(ctx); err != nil && ctx.Err() == nil {
			charmlog.Errorf("control channel closed: %v", err)
			cancel()
		}
	}()

	src := source.New(localEndpointID)
	src.Setup(*sampleRate, *blockSize, *channels)
	if err := src.SetFormat(codec.Format{
		Codec:      *codecName,
		SampleRate: *sampleRate,
		BlockSize:  *blockSize,
		Channels:   *channels,
	}); err != nil {
		charmlog.Fatalf("set format: %v", err)
	}
	if err := src.SetBitrateBps(*bitrate); err != nil {
		charmlog.Warnf("set initial bitrate: %v", err)
	}
	src.EnableCapturePipeline()

	snk := sink.New(localEndpointID)
	snk.Setup(*sampleRate, *blockSize, *channels)

	audio := NewAudioEngine(src, snk, *sampleRate, *blockSize, *channels, *inputDevice, *outputDev, *testTone)
	if err := audio.Start(); err != nil {
		charmlog.Fatalf("audio: %v", err)
	}
	defer audio.Stop()

	go servePeerEvents(ctx, client, src, snk)
	go serveUDP(ctx, client, src, snk)
	go pumpOutgoing(ctx, client, src, snk, *packetSize)

	charmlog.Info("streaming; press Ctrl-C to stop")
	<-ctx.Done()
}

func configureLogging(level int) {
	switch level {
	case 1:
		charmlog.SetLevel(charmlog.DebugLevel)
	case 2:
		charmlog.SetLevel(charmlog.WarnLevel)
	default:
		charmlog.SetLevel(charmlog.InfoLevel)
	}
	charmlog.SetReportTimestamp(true)
}

// servePeerEvents wires every newly-joined peer into the local source/sink
// roster and tears them back out on peer/leave, and keeps the UDP probe
// handshake alive via periodic pings (spec.md §4.4/"peer discovery").
func servePeerEvents(ctx context.Context, client *netpeer.Client, src *source.Source, snk *sink.Sink) {
	ticker := time.NewTicker(netpeer.DefaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.PingPeers(time.Now())
			if kbps := src.RecommendedBitrateKbps(); kbps > 0 {
				if err := src.SetBitrateBps(kbps * 1000); err != nil {
					charmlog.Debugf("adaptive bitrate: %v", err)
				}
			}
			client.PollEvents(func(ev netpeer.Event) {
				switch ev.Kind {
				case netpeer.EventPeerJoined:
					if ev.Peer == nil {
						return
					}
					if addr, ok := ev.Peer.RealAddress(); ok {
						ep := netaddr.Endpoint{Address: addr, ID: localEndpointID}
						src.AddSink(ep, 0)
						snk.InviteSource(ep)
						charmlog.Infof("peer %s/%s resolved at %s", ev.Peer.GroupName, ev.Peer.UserName, addr)
					}
				case netpeer.EventPeerLeft:
					if ev.Peer == nil {
						return
					}
					if addr, ok := ev.Peer.RealAddress(); ok {
						ep := netaddr.Endpoint{Address: addr, ID: localEndpointID}
						src.RemoveSink(ep)
						snk.UninviteSource(ep)
					}
					charmlog.Infof("peer left")
				case netpeer.EventError:
					charmlog.Warnf("netpeer: %s", ev.Message)
				}
			})
		}
	}
}

// serveUDP reads datagrams off the client's shared UDP socket and routes
// them by OSC role: peer-probe traffic goes to the client's handshake
// state machine, source/sink traffic goes to the matching audio engine
// (spec.md §6.1 "one UDP endpoint carries both the handshake and the
// audio plane").
func serveUDP(ctx context.Context, client *netpeer.Client, src *source.Source, snk *sink.Sink) {
	var conn = client.UDPConn()
	for conn == nil && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
		conn = client.UDPConn()
	}
	if conn == nil {
		return
	}

	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				charmlog.Errorf("udp read: %v", err)
			}
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		addr := netaddr.NewIpAddress(from.IP, uint16(from.Port))

		msg, err := oscaddr.Unmarshal(raw)
		if err != nil {
			continue
		}
		pa, err := oscaddr.ParseAddress(msg.Address)
		if err != nil {
			continue
		}
		ep := netaddr.Endpoint{Address: addr, ID: localEndpointID}
		switch pa.Role {
		case oscaddr.RolePeer:
			if err := client.HandlePeerDatagram(raw, addr); err != nil {
				charmlog.Debugf("peer datagram: %v", err)
			}
		case oscaddr.RoleSource:
			if err := src.HandleMessage(raw, ep); err != nil {
				charmlog.Debugf("source message: %v", err)
			}
		case oscaddr.RoleSink:
			if err := snk.HandleMessage(raw, ep); err != nil {
				charmlog.Debugf("sink message: %v", err)
			}
		}
	}
}

// pumpOutgoing periodically flushes queued source packets (encoded audio,
// format messages, resend retransmissions) and sink control traffic
// (format requests, resend requests) to the wire.
func pumpOutgoing(ctx context.Context, client *netpeer.Client, src *source.Source, snk *sink.Sink, packetSize int) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := client.UDPConn()
			if conn == nil {
				continue
			}
			for _, pkt := range src.Send(packetSize) {
				raw, err := oscaddr.Marshal(pkt.Message)
				if err != nil {
					continue
				}
				conn.WriteToUDP(raw, pkt.To.Address.UDPAddr())
			}

			resends, requests := snk.Send()
			for _, ep := range requests {
				msg := oscaddr.Message{Address: oscaddr.BuildAddress(oscaddr.RoleSource, int32(localEndpointID), "request")}
				raw, err := oscaddr.Marshal(msg)
				if err != nil {
					continue
				}
				conn.WriteToUDP(raw, ep.Address.UDPAddr())
			}
			sendResends(conn, resends)
		}
	}
}

// sendResends groups per-frame resend requests by (source endpoint, salt)
// since the wire format packs every pending (seq, frame) pair for one salt
// generation into a single /aoo/source/<id>/resend message.
func sendResends(conn *net.UDPConn, resends []sink.ResendRequest) {
	type key struct {
		ep   netaddr.Endpoint
		salt int32
	}
	grouped := make(map[key][]sink.ResendRequest)
	var order []key
	for _, r := range resends {
		k := key{ep: r.Source, salt: r.Salt}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], r)
	}

	for _, k := range order {
		args := []any{int32(localEndpointID), k.salt}
		for _, r := range grouped[k] {
			args = append(args, r.Seq, r.Frame)
		}
		msg := oscaddr.Message{
			Address: oscaddr.BuildAddress(oscaddr.RoleSource, int32(localEndpointID), "resend"),
			Args:    args,
		}
		raw, err := oscaddr.Marshal(msg)
		if err != nil {
			continue
		}
		conn.WriteToUDP(raw, k.ep.Address.UDPAddr())
	}
}
