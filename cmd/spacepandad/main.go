package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/var-che/spacepanda/internal/config"
	"github.com/var-che/spacepanda/internal/dht"
	"github.com/var-che/spacepanda/internal/identity"
	"github.com/var-che/spacepanda/internal/platform/privacylog"
	"github.com/var-che/spacepanda/internal/router"
	"github.com/var-che/spacepanda/internal/securestore"
	"github.com/var-che/spacepanda/internal/spacepanda"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listenAddr := flag.String("listen", "0.0.0.0:4001", "TCP address this node's DHT/router transport listens on")
	advertiseHost := flag.String("advertise-host", "127.0.0.1", "host peers should use to dial this node, advertised in DHT contacts")
	dataDir := flag.String("data-dir", "./spacepanda-data", "directory for keystore, commit logs, and snapshots")
	passphrase := flag.String("passphrase", os.Getenv("SPACEPANDA_PASSPHRASE"), "keystore passphrase (or set SPACEPANDA_PASSPHRASE)")
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	bootstrap := flag.String("bootstrap", "", "comma-separated bootstrap peers, each hexPeerID@multiaddr")
	flag.Parse()

	if *showVersion {
		fmt.Printf("spacepandad version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}
	normalizedDataDir, normalizedPassphrase := securestore.NormalizeStorageConfig(*dataDir, *passphrase)
	if !securestore.IsStorageConfigured(normalizedDataDir, normalizedPassphrase) {
		log.Fatal("spacepandad: -data-dir and -passphrase (or SPACEPANDA_PASSPHRASE) are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, runOptions{
		listenAddr:    *listenAddr,
		advertiseHost: *advertiseHost,
		dataDir:       normalizedDataDir,
		passphrase:    normalizedPassphrase,
		configPath:    *configPath,
		bootstrap:     *bootstrap,
	}); err != nil {
		log.Fatalf("spacepandad failed: %v", err)
	}
	log.Println("spacepandad stopped")
}

type runOptions struct {
	listenAddr    string
	advertiseHost string
	dataDir       string
	passphrase    string
	configPath    string
	bootstrap     string
}

// run wires every C2-C7 component into a running Service the way
// cmd/daemon's NewRPCServerWithOptions wires the teacher's own
// composition root, then blocks until ctx is cancelled. The outer
// RPC/UI façade that would translate external requests into Service
// calls is deliberately not part of this core (see spec §1); this
// entrypoint only proves the core itself stands up end to end.
func run(ctx context.Context, opts runOptions) error {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))

	if err := os.MkdirAll(opts.dataDir, 0o700); err != nil {
		return err
	}
	bundle, err := identity.LoadOrCreateBundle(filepath.Join(opts.dataDir, "identity.keystore"), opts.passphrase)
	if err != nil {
		return err
	}
	defer bundle.Wipe()

	_, portStr, err := net.SplitHostPort(opts.listenAddr)
	if err != nil {
		return fmt.Errorf("spacepandad: invalid -listen address %q: %w", opts.listenAddr, err)
	}
	advertiseAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%s", opts.advertiseHost, portStr))
	if err != nil {
		return fmt.Errorf("spacepandad: invalid advertise address: %w", err)
	}

	sessions, err := router.NewSessionManager(cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	dispatcher := router.NewDispatcher(cfg.RPCDefaultTimeout)
	transport := router.NewPeerTransport(sessions, dispatcher, cfg.RPCDefaultTimeout)

	ln, err := net.Listen("tcp", opts.listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	listener := router.NewListener(transport, sessions, cfg.HandshakeTimeout, logger)
	go func() {
		if err := listener.Serve(ln); err != nil {
			logger.Warn("spacepandad listener stopped", "error", err)
		}
	}()

	bootstrapPeers, err := parseBootstrapPeers(opts.bootstrap)
	if err != nil {
		return err
	}

	svc, err := spacepanda.NewService(spacepanda.ServiceOptions{
		Config:     cfg,
		Logger:     logger,
		Master:     bundle.Master,
		Device:     bundle.Device,
		StorageDir: opts.dataDir,
		Transport:  transport,
		ListenAddr: advertiseAddr,
		Bootstrap:  bootstrapPeers,
	})
	if err != nil {
		return err
	}

	dispatcher.RunSweeper(30 * time.Second)
	if err := svc.Start(ctx); err != nil {
		return err
	}

	logger.Info("spacepandad started",
		"user_id", bundle.Master.UserId().String(),
		"device_id", bundle.Device.DeviceID().Hex(),
		"listen", opts.listenAddr,
	)

	<-ctx.Done()

	logger.Info("spacepandad shutting down")
	stopErr := svc.Stop()
	dispatcher.Shutdown()
	transport.Shutdown()
	if stopErr != nil {
		return stopErr
	}
	return nil
}

// parseBootstrapPeers parses a comma-separated "hexPeerID@multiaddr"
// list into bootstrap contacts for the DHT's routing table.
func parseBootstrapPeers(raw string) ([]dht.PeerContact, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	entries := strings.Split(raw, ",")
	out := make([]dht.PeerContact, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("spacepandad: malformed bootstrap entry %q, want hexPeerID@multiaddr", entry)
		}
		idBytes, err := hex.DecodeString(parts[0])
		if err != nil || len(idBytes) != 32 {
			return nil, fmt.Errorf("spacepandad: malformed bootstrap peer id %q", parts[0])
		}
		var key dht.Key
		copy(key[:], idBytes)
		ma, err := multiaddr.NewMultiaddr(parts[1])
		if err != nil {
			return nil, fmt.Errorf("spacepandad: malformed bootstrap address %q: %w", parts[1], err)
		}
		out = append(out, dht.PeerContact{PeerID: key, Addr: ma, LastSeen: time.Now()})
	}
	return out, nil
}
