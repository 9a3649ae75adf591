package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"pairlink/internal/envelope"
	"pairlink/internal/handshake"
	"pairlink/internal/identity"
	"pairlink/internal/ledger"
	"pairlink/internal/metrics"
	"pairlink/internal/push"
	"pairlink/internal/transport"
)

const (
	expireEvery      = 10 * time.Minute
	handshakeMaxAge  = 24 * time.Hour
	terminalKeepFor  = 7 * 24 * time.Hour
	processedKeepFor = 24 * time.Hour
	metricsEvery     = 30 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "relay":
		return runRelay(args[1:], stdout, stderr)
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "initiate":
		return runInitiate(args[1:], stdout, stderr)
	case "accept":
		return runAnswer(args[1:], stdout, stderr, answerAccept)
	case "decline":
		return runAnswer(args[1:], stdout, stderr, answerDecline)
	case "revoke":
		return runAnswer(args[1:], stdout, stderr, answerRevoke)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: pairlink-node <relay|run|id|initiate|status> [args]")
	fmt.Fprintln(w, "  relay    --addr <ip:port>")
	fmt.Fprintln(w, "  run      --relay <ip:port> [--name <display name>] [--auto-accept] [--insecure] [--debug]")
	fmt.Fprintln(w, "  id       [--name <display name>]")
	fmt.Fprintln(w, "  initiate --relay <ip:port> --peer <identity> [--phrase <text>] [--insecure]")
	fmt.Fprintln(w, "  accept   --relay <ip:port> --peer <identity> [--insecure]")
	fmt.Fprintln(w, "  decline  --relay <ip:port> --peer <identity> [--insecure]")
	fmt.Fprintln(w, "  revoke   --relay <ip:port> --peer <identity> [--insecure]")
	fmt.Fprintln(w, "  status")
}

func homeDir() string {
	if h := os.Getenv("PAIRLINK_HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".pairlink")
}

func runRelay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(stdout, "READY relay addr=%s\n", *addr)
	if err := transport.NewRelay().ListenAndServe(ctx, *addr); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "relay failed: %v\n", err)
		return 1
	}
	return 0
}

// node bundles everything a live identity needs: its keys, ledger,
// channel and coordinator.
type node struct {
	provider  *identity.FileProvider
	db        *ledger.DB
	channel   *transport.Channel
	coord     *handshake.Coordinator
	processed *ledger.Processed
	metrics   *metrics.Metrics
	home      string
}

func loadNode(home, relayAddr, name string, insecure bool, stdout io.Writer) (*node, error) {
	provider, err := identity.Load(home, name)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	db, err := ledger.Open(filepath.Join(home, "ledger.db"))
	if err != nil {
		return nil, err
	}
	processed, err := db.Processed()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	spool, err := push.NewSpool(filepath.Join(home, "spool"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	m := metrics.New()
	channel, err := transport.New(transport.Config{
		Identity: provider.LocalIdentity(),
		Dialer:   &transport.QUICDialer{Addr: relayAddr, Insecure: insecure},
		Metrics:  m,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	keys := db.PeerKeys()
	coord, err := handshake.New(handshake.Config{
		Identity:  provider,
		Codec:     envelope.NewCodec(provider.LocalIdentity(), provider.PrivateKey(), keys),
		Channel:   channel,
		Push:      spool,
		Keys:      keys,
		Pending:   db.Pending(),
		Processed: processed,
		Records:   handshake.NewStore(db.Handshakes()),
		Sink:      printSink{w: stdout},
		Metrics:   m,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	coord.Bind()
	return &node{provider: provider, db: db, channel: channel, coord: coord, processed: processed, metrics: m, home: home}, nil
}

func (n *node) close() {
	n.channel.Disconnect()
	_ = n.db.Close()
}

type printSink struct {
	w io.Writer
}

func (s printSink) OnEstablished(peerID, conversationID, displayName string) {
	fmt.Fprintf(s.w, "ESTABLISHED peer=%s conversation=%s name=%q\n", peerID, conversationID, displayName)
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	relayAddr := fs.String("relay", "", "relay addr (host:port)")
	name := fs.String("name", "", "display name sent to peers")
	autoAccept := fs.Bool("auto-accept", false, "accept every incoming handshake request")
	insecure := fs.Bool("insecure", false, "skip relay certificate verification")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *relayAddr == "" {
		fmt.Fprintln(stderr, "missing --relay")
		return 1
	}
	if *debug {
		_ = os.Setenv("PAIRLINK_DEBUG", "1")
	}

	n, err := loadNode(homeDir(), *relayAddr, *name, *insecure, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	defer n.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n.coord.OnRequestReceived(func(peerID, requestID, phrase string) {
		fmt.Fprintf(stdout, "REQUEST peer=%s request=%s phrase=%q\n", peerID, requestID, phrase)
		if *autoAccept {
			if err := n.coord.Accept(ctx, peerID); err != nil {
				fmt.Fprintf(stderr, "accept failed: %v\n", err)
			}
		}
	})
	n.coord.OnDeclined(func(peerID string) {
		fmt.Fprintf(stdout, "DECLINED peer=%s\n", peerID)
	})
	n.coord.OnRevoked(func(peerID string) {
		fmt.Fprintf(stdout, "REVOKED peer=%s\n", peerID)
	})
	n.coord.OnTimedOut(func(peerID string) {
		fmt.Fprintf(stdout, "TIMED_OUT peer=%s\n", peerID)
	})
	n.channel.OnDown(func(err error) {
		fmt.Fprintf(stderr, "DISCONNECTED %v\n", err)
	})

	if err := n.channel.Connect(ctx); err != nil {
		// The reconnect loop keeps trying; report the first failure.
		fmt.Fprintf(stderr, "connect: %v (retrying)\n", err)
	}
	fmt.Fprintf(stdout, "READY identity=%s relay=%s\n", n.provider.LocalIdentity(), *relayAddr)

	go maintenanceLoop(ctx, n)

	<-ctx.Done()
	return 0
}

func maintenanceLoop(ctx context.Context, n *node) {
	expire := time.NewTicker(expireEvery)
	defer expire.Stop()
	report := time.NewTicker(metricsEvery)
	defer report.Stop()
	metricsPath := filepath.Join(n.home, "metrics.json")
	for {
		select {
		case <-ctx.Done():
			return
		case <-expire.C:
			if _, err := n.coord.ExpireStale(handshakeMaxAge, terminalKeepFor); err != nil {
				continue
			}
			_, _ = n.processed.PruneBefore(time.Now().Add(-processedKeepFor))
		case <-report.C:
			_ = n.metrics.WriteFile(metricsPath)
		}
	}
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "display name sent to peers")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	provider, err := identity.Load(homeDir(), *name)
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, provider.LocalIdentity())
	return 0
}

func runInitiate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("initiate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	relayAddr := fs.String("relay", "", "relay addr (host:port)")
	peer := fs.String("peer", "", "peer identity")
	phrase := fs.String("phrase", "", "introduction phrase shown to the peer")
	name := fs.String("name", "", "display name sent to peers")
	insecure := fs.Bool("insecure", false, "skip relay certificate verification")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *relayAddr == "" || *peer == "" {
		fmt.Fprintln(stderr, "missing --relay or --peer")
		return 1
	}
	if !identity.Validate(*peer) {
		fmt.Fprintln(stderr, "bad peer identity")
		return 1
	}

	n, err := loadNode(homeDir(), *relayAddr, *name, *insecure, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	defer n.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.channel.Connect(ctx); err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	requestID, err := n.coord.Initiate(ctx, *peer, *phrase)
	if err != nil {
		fmt.Fprintf(stderr, "initiate failed: %v\n", err)
		return 1
	}
	if err := waitForFlush(ctx, n.channel); err != nil {
		fmt.Fprintf(stderr, "flush failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "SENT request=%s peer=%s\n", requestID, *peer)
	return 0
}

type answerKind int

const (
	answerAccept answerKind = iota
	answerDecline
	answerRevoke
)

func (k answerKind) String() string {
	switch k {
	case answerAccept:
		return "accept"
	case answerDecline:
		return "decline"
	default:
		return "revoke"
	}
}

// runAnswer handles the one-shot accept/decline/revoke commands,
// which share everything but the coordinator call.
func runAnswer(args []string, stdout, stderr io.Writer, kind answerKind) int {
	fs := flag.NewFlagSet(kind.String(), flag.ContinueOnError)
	fs.SetOutput(stderr)
	relayAddr := fs.String("relay", "", "relay addr (host:port)")
	peer := fs.String("peer", "", "peer identity")
	name := fs.String("name", "", "display name sent to peers")
	insecure := fs.Bool("insecure", false, "skip relay certificate verification")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *relayAddr == "" || *peer == "" {
		fmt.Fprintln(stderr, "missing --relay or --peer")
		return 1
	}

	n, err := loadNode(homeDir(), *relayAddr, *name, *insecure, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	defer n.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.channel.Connect(ctx); err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	switch kind {
	case answerAccept:
		err = n.coord.Accept(ctx, *peer)
	case answerDecline:
		err = n.coord.Decline(ctx, *peer)
	default:
		err = n.coord.Revoke(ctx, *peer)
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", kind, err)
		return 1
	}
	if err := waitForFlush(ctx, n.channel); err != nil {
		fmt.Fprintf(stderr, "flush failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s peer=%s\n", kind, *peer)
	return 0
}

// waitForFlush blocks until the outbox is empty, so one-shot commands
// do not disconnect with the request still queued.
func waitForFlush(ctx context.Context, ch *transport.Channel) error {
	for {
		if st := ch.Status(); st.Outboxed == 0 && st.State == transport.StateConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	db, err := ledger.Open(filepath.Join(homeDir(), "ledger.db"))
	if err != nil {
		fmt.Fprintf(stderr, "status: ledger unavailable: %v\n", err)
		return 1
	}
	defer db.Close()

	pending, err := db.Pending().List()
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	peers := make([]string, 0, len(pending))
	for peerID := range pending {
		peers = append(peers, peerID)
	}
	sort.Strings(peers)
	fmt.Fprintf(stdout, "pending: %d\n", len(peers))
	for _, peerID := range peers {
		fmt.Fprintf(stdout, "  %s request=%s\n", peerID, pending[peerID])
	}

	store := handshake.NewStore(db.Handshakes())
	var records []handshake.Record
	err = store.ForEach(func(rec handshake.Record) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PeerID < records[j].PeerID })
	fmt.Fprintf(stdout, "handshakes: %d\n", len(records))
	for _, rec := range records {
		line := fmt.Sprintf("  %s state=%s request=%s", rec.PeerID, rec.State, rec.RequestID)
		if rec.ConversationID != "" {
			line += " conversation=" + rec.ConversationID
		}
		fmt.Fprintln(stdout, line)
	}

	if data, err := os.ReadFile(filepath.Join(homeDir(), "metrics.json")); err == nil {
		fmt.Fprintln(stdout, "metrics:")
		_, _ = stdout.Write(data)
		fmt.Fprintln(stdout)
	}
	return 0
}
