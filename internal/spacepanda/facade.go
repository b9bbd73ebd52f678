// Package spacepanda is the integration façade wiring identity,
// signed CRDTs, the encrypted store, DHT discovery, the Noise/onion
// router, and the MLS group engine into the channel-oriented API an
// outer UI/RPC surface consumes: create_space, create_channel,
// send_message, subscribe(channel). It owns the supervised set of
// background tasks (DHT refresh and anti-entropy are supervised inside
// internal/dht, the dispatcher's deadline sweeper inside
// internal/router, both started by Start; this package additionally
// runs RPC replay-cache pruning and periodic encrypted snapshot
// compaction - the rate limiter needs no background task, since it
// evicts idle entries lazily on its own hit path) and takes every
// dependency - config, logger, metrics sink, transport - as an
// explicit constructor argument. There is no package-level mutable
// global anywhere below.
package spacepanda

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/var-che/spacepanda/internal/config"
	"github.com/var-che/spacepanda/internal/crdt"
	"github.com/var-che/spacepanda/internal/dht"
	"github.com/var-che/spacepanda/internal/identity"
	"github.com/var-che/spacepanda/internal/metrics"
	"github.com/var-che/spacepanda/internal/mls"
	"github.com/var-che/spacepanda/internal/platform/privacylog"
	"github.com/var-che/spacepanda/internal/platform/ratelimiter"
	"github.com/var-che/spacepanda/internal/router"
	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/store"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// ServiceOptions are the explicit, constructor-injected dependencies a
// Service is built from: store/logger/metrics collaborators supplied
// by the caller rather than constructed internally, so tests can swap
// in fakes for any of them.
type ServiceOptions struct {
	Config     config.Config
	Logger     *slog.Logger
	Metrics    metrics.Sink
	Master     *identity.MasterKey
	Device     *identity.DeviceKey
	StorageDir string

	// Transport carries DHT PING/FIND_NODE/FIND_VALUE/STORE RPCs to
	// peers. The concrete Noise/onion binding is an outer collaborator
	// supplied by the caller.
	Transport dht.Transport
	// ListenAddr is this node's own advertised DHT address, reported to
	// peers via Transport (if it implements dht.SelfAnnouncer) so they
	// can dial back. Nil for a transport that needs no such address
	// (e.g. an in-memory test double).
	ListenAddr multiaddr.Multiaddr
	// Bootstrap seeds the routing table with known rendezvous peers.
	Bootstrap []dht.PeerContact
	// ResolvePublisherKey resolves a DHT publisher id to the public key
	// that must have signed its values. A nil resolver rejects every
	// remote value outright.
	ResolvePublisherKey dht.PublisherKeyResolver
}

// subscription is one Subscribe call's delivery channel.
type subscription struct {
	id uint64
	ch chan store.Message
}

// Service is the façade's live instance: every component C2–C7 wires
// into, plus the channel-level state (spaces, channels, MLS groups,
// commit logs, subscribers) this package itself owns.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    metrics.Sink
	master     *identity.MasterKey
	device     *identity.DeviceKey
	nodeTag    string
	storageDir string

	localID    dht.Key
	dhtNode    *dht.Node
	sessions   *router.SessionManager
	dispatcher *router.Dispatcher
	admission  *router.PeerAdmission
	rpcReplay  *router.ReplayCache
	acl        *crdt.ACLVerifier

	mu           sync.RWMutex
	spaces       map[store.SpaceId]*store.Space
	channels     map[store.ChannelId]*store.Channel
	channelSpace map[store.ChannelId]store.SpaceId
	commitLogs   map[store.ChannelId]*store.CommitLog
	groups       map[store.ChannelId]*mls.Group
	deviceOwners map[identity.DeviceId]identity.UserId
	opCounters   map[string]uint64
	subscribers  map[store.ChannelId][]*subscription
	subSeq       uint64
	snapshotSeq  map[store.ChannelId]uint64

	startStopMu sync.Mutex
	running     bool
	bgCancel    context.CancelFunc
	bgGroup     *errgroup.Group
}

// NewService wires every dependency into a ready-to-use Service. It
// performs no I/O beyond what constructing its components requires
// (e.g. generating the DHT node's signing keypair); Start launches the
// background tasks.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Master == nil || opts.Device == nil {
		return nil, spacepandaerr.New(spacepandaerr.KindProtocol, "spacepanda.NewService", "master and device identity are required")
	}
	if opts.Transport == nil {
		return nil, spacepandaerr.New(spacepandaerr.KindProtocol, "spacepanda.NewService", "a dht transport is required")
	}

	cfg := opts.Config
	if cfg.MaxFrameSize == 0 {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
	}
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = "."
	}

	sessions, err := router.NewSessionManager(cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	dispatcher := router.NewDispatcher(cfg.RPCDefaultTimeout)
	limiter := ratelimiter.New(cfg.RateLimitRefillPerSec, cfg.RateLimitBurst, 0)
	admission := router.NewPeerAdmission(limiter, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	rpcReplay, err := router.NewReplayCache(cfg.SeenRequestsCapacity)
	if err != nil {
		return nil, err
	}

	resolve := opts.ResolvePublisherKey
	if resolve == nil {
		resolve = func(dht.Key) (ed25519.PublicKey, bool) { return nil, false }
	}

	// The DHT node signs PUTs under its own keypair rather than the
	// user's master key, so routing-table announcements can't be
	// cryptographically linked to the long-term identity by an
	// observer who only sees DHT traffic.
	dhtPub, dhtPriv, err := xcrypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	localID := dht.DeriveKey(dhtPub)
	dhtNode := dht.NewNode(localID, dhtPriv, opts.Transport, resolve, dht.Config{
		BucketSize: cfg.DHTBucketSize,
		Alpha:      cfg.DHTAlpha,
	})
	for _, contact := range opts.Bootstrap {
		dhtNode.Seed(contact)
	}

	// A real transport (internal/router.PeerTransport) needs the local
	// node wired in to answer inbound RPCs, and needs to know its own
	// contact info to self-report in outbound ones; a test double
	// typically implements neither, which is fine - both are optional.
	if binder, ok := opts.Transport.(dht.NodeBinder); ok {
		binder.SetNode(dhtNode)
	}
	if announcer, ok := opts.Transport.(dht.SelfAnnouncer); ok {
		announcer.SetSelf(dht.PeerContact{PeerID: localID, Addr: opts.ListenAddr})
	}

	return &Service{
		cfg:          cfg,
		logger:       logger,
		metrics:      sink,
		master:       opts.Master,
		device:       opts.Device,
		nodeTag:      opts.Device.DeviceID().Hex(),
		storageDir:   storageDir,
		localID:      localID,
		dhtNode:      dhtNode,
		sessions:     sessions,
		dispatcher:   dispatcher,
		admission:    admission,
		rpcReplay:    rpcReplay,
		acl:          crdt.NewACLVerifier(),
		spaces:       make(map[store.SpaceId]*store.Space),
		channels:     make(map[store.ChannelId]*store.Channel),
		channelSpace: make(map[store.ChannelId]store.SpaceId),
		commitLogs:   make(map[store.ChannelId]*store.CommitLog),
		groups:       make(map[store.ChannelId]*mls.Group),
		deviceOwners: make(map[identity.DeviceId]identity.UserId),
		opCounters:   make(map[string]uint64),
		subscribers:  make(map[store.ChannelId][]*subscription),
		snapshotSeq:  make(map[store.ChannelId]uint64),
	}, nil
}

// newRandomID mints a random 16-byte identifier via google/uuid, used
// for Space, Channel, and locally-originated Message ids.
func newRandomID() [16]byte {
	return [16]byte(uuid.New())
}

// Space returns the space held under id, if any.
func (s *Service) Space(id store.SpaceId) (*store.Space, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[id]
	return sp, ok
}

// Channel returns the channel held under id, if any.
func (s *Service) Channel(id store.ChannelId) (*store.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	return ch, ok
}
