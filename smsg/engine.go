package smsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rubin.dev/node/smsg/addr"
	"rubin.dev/node/smsg/bucket"
	"rubin.dev/node/smsg/crypto"
	"rubin.dev/node/smsg/envelope"
	"rubin.dev/node/smsg/params"
	"rubin.dev/node/smsg/pow"
	"rubin.dev/node/smsg/registry"
	"rubin.dev/node/smsg/scan"
	syncproto "rubin.dev/node/smsg/sync"
)

// ErrNotRunning is returned by operations that require Start to have
// been called.
var ErrNotRunning = errors.New("smsg: engine not running")

// pendingSend is one entry in the PoW-solve queue: an already-built
// envelope waiting for its nonce.
type pendingSend struct {
	key     string
	hdr     envelope.Header
	payload []byte
}

// Engine owns the whole running subsystem: the bucket store, the
// address/pubkey registry, the sync protocol, the scan pipeline, and
// the background sweeper/PoW-worker goroutines, per spec.md §5's
// four-level lock hierarchy realized as four concrete mutexes.
// Grounded on node/p2p_runtime.go's PeerManager (owning handle over a
// locked peer map) and node/miner.go's context-driven constructor
// validation.
type Engine struct {
	store    *bucket.Store // owns the "bucket lock" internally (spec.md §5 level 1)
	registry *registry.Registry
	protocol *syncproto.Protocol
	pipeline *scan.Pipeline
	wallet   WalletBackend

	sendMu sync.Mutex // "database lock" companion: guards the PoW-send queue (spec.md §5 level 2)
	queue  []pendingSend

	peersMu sync.RWMutex // "peers-list lock" (spec.md §5 level 3); per-peer state itself lives in sync.Protocol
	peers   map[string]PeerLink

	servicesCallback func(enabled bool)
	notifyCmd        string
	log              *slog.Logger
	nowFn            func() int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles Engine's construction-time collaborators.
type Config struct {
	Datadir        string
	AddressVersion byte
	Wallet         WalletBackend
	Pubkeys        PubkeyStore
	Inbox          InboxStore
	// ServicesCallback, if non-nil, is invoked with true once the
	// engine starts and false once it stops, so the host can toggle
	// its NODE_SMSG advertised-services bit without smsg depending on
	// the host's bitmask type (spec.md §6).
	ServicesCallback func(enabled bool)
	Log              *slog.Logger
}

// NewEngine validates cfg and opens the on-disk bucket store and
// address registry, but does not start any background goroutine —
// call Start for that.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("smsg: engine: nil wallet")
	}
	if cfg.Datadir == "" {
		return nil, fmt.Errorf("smsg: engine: empty datadir")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nowFn := func() int64 { return time.Now().Unix() }
	store, err := bucket.Open(cfg.Datadir, nowFn)
	if err != nil {
		return nil, fmt.Errorf("smsg: engine: open bucket store: %w", err)
	}

	reg := registry.NewRegistry(cfg.Wallet, cfg.Pubkeys)
	if err := reg.Load(cfg.Datadir, cfg.AddressVersion); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("smsg: engine: load registry: %w", err)
	}

	e := &Engine{
		store:            store,
		registry:         reg,
		wallet:           cfg.Wallet,
		peers:            make(map[string]PeerLink),
		servicesCallback: cfg.ServicesCallback,
		log:              log,
		nowFn:            nowFn,
	}

	keys := keySource{registry: reg, wallet: walletKeySource{wallet: cfg.Wallet}}
	e.pipeline = scan.NewPipeline(store, keys, walletLockAdapter{cfg.Wallet}, reg, cfg.Inbox)
	e.protocol = syncproto.NewProtocol(store, e.nowFn, e.onAcceptedMessage)

	return e, nil
}

// walletLockAdapter narrows WalletBackend to scan.WalletLockChecker.
type walletLockAdapter struct{ w WalletBackend }

func (a walletLockAdapter) IsLocked() bool { return a.w.IsLocked() }

func (e *Engine) onAcceptedMessage(env envelope.Envelope, tok bucket.Token) {
	if _, err := e.pipeline.Process(env.Header, env.Payload); err != nil {
		e.log.Warn("smsg: scan pipeline error", "err", err, "timestamp", tok.Timestamp)
	}
}

// SetNotifyCommand wires the -smsgnotify=<cmd> hook: cmd is run via
// os/exec in a detached goroutine on delivery, with "%s" replaced by
// the receiving address (spec.md §6).
func (e *Engine) SetNotifyCommand(cmd string) {
	e.notifyCmd = cmd
	e.pipeline.NotifyCmd = cmd
}

// InboxChanged exposes the pipeline's delivery notification channel.
func (e *Engine) InboxChanged() <-chan scan.InboxEntry { return e.pipeline.InboxChanged }

// Registry exposes the address/pubkey registry for host-side address
// management (adding/enabling/disabling addresses, AddPubkey calls).
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Start launches the sweeper and PoW-worker goroutines. It returns
// once both are running; they stop when ctx is cancelled or Stop is
// called.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.servicesCallback != nil {
		e.servicesCallback(true)
	}

	e.wg.Add(2)
	go e.runSweeper(ctx)
	go e.runPoWWorker(ctx)
	return nil
}

// Stop cancels the background goroutines, waits for them to exit,
// persists the address registry, and closes the bucket store.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.servicesCallback != nil {
		e.servicesCallback(false)
	}
	if err := e.registry.Save(); err != nil {
		e.log.Warn("smsg: engine: save registry on stop", "err", err)
	}
	return e.store.Close()
}

// runSweeper expires stale buckets and reports lazy peers, every
// params.ThreadDelaySeconds, per spec.md §5's Sweeper thread: holds
// the bucket lock internally (via Store.Sweep), then notifies timed
// out peers under the peers-list lock only after releasing it.
func (e *Engine) runSweeper(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(params.ThreadDelayDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timedOut := e.store.Sweep()
			if len(timedOut) == 0 {
				continue
			}
			now := e.nowFn()
			e.peersMu.RLock()
			for _, id := range timedOut {
				link, ok := e.peers[id]
				if !ok {
					continue
				}
				until := now + params.TimeIgnoreSeconds
				_ = link.Send(params.CmdIgnore, syncproto.EncodeIgnorePayload(syncproto.IgnorePayload{Until: until}))
			}
			e.peersMu.RUnlock()
		}
	}
}

// runPoWWorker continuously drains the send queue, solving PoW for
// one entry at a time, inserting the solved envelope into the
// bucket store and then passing it to the scan pipeline so a message
// addressed to a local address is delivered, per spec.md §5's
// PoW-worker thread. Checks ctx both
// between iterations and inside the nonce loop (pow.Solve itself
// polls ctx.Done()).
func (e *Engine) runPoWWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, ok := e.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		if err := pow.Solve(ctx, &item.hdr, item.payload); err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-solve: leave the item queued (spec.md
				// §5's "resume on next start"); this in-memory queue
				// is not persisted, so a real restart would need the
				// caller to resubmit — acceptable since Non-goals
				// exclude guaranteed delivery.
				e.requeueFront(item)
				return
			}
			e.log.Warn("smsg: pow worker: solve failed", "err", err)
			continue
		}

		tok, err := e.store.Insert(item.hdr, item.payload, true)
		if err != nil {
			e.log.Warn("smsg: pow worker: insert failed", "err", err)
			continue
		}
		// Self-delivery: run the stored envelope through the same scan
		// pipeline a message received from a peer goes through.
		e.onAcceptedMessage(envelope.Envelope{Header: item.hdr, Payload: item.payload}, tok)
	}
}

func (e *Engine) dequeue() (pendingSend, bool) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if len(e.queue) == 0 {
		return pendingSend{}, false
	}
	item := e.queue[0]
	e.queue = e.queue[1:]
	return item, true
}

func (e *Engine) requeueFront(item pendingSend) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	e.queue = append([]pendingSend{item}, e.queue...)
}

// SendMessage builds and queues an outgoing message for PoW solving
// and later gossip. from is nil for an anonymous send (spec.md §4.2).
func (e *Engine) SendMessage(from *crypto.SenderIdentity, toAddress string, plaintext []byte) error {
	_, toKeyHash, err := addr.DecodeAddress(toAddress)
	if err != nil {
		return fmt.Errorf("smsg: send: decode recipient address: %w", err)
	}
	keys := keySource{registry: e.registry, wallet: walletKeySource{wallet: e.wallet}}
	env, err := crypto.Encrypt(from, toKeyHash, plaintext, keys)
	if err != nil {
		return fmt.Errorf("smsg: send: encrypt: %w", err)
	}

	e.sendMu.Lock()
	key := fmt.Sprintf("q%d:%x", env.Header.Timestamp, env.Payload[:bucket.SampleSize])
	e.queue = append(e.queue, pendingSend{key: key, hdr: env.Header, payload: env.Payload})
	e.sendMu.Unlock()
	return nil
}

// AddPeer registers a newly connected NODE_SMSG-capable peer and
// sends the initial Ping (spec.md §4.5).
func (e *Engine) AddPeer(link PeerLink) error {
	e.peersMu.Lock()
	e.peers[link.ID()] = link
	e.peersMu.Unlock()
	return e.protocol.OnConnect(link)
}

// RemovePeer forgets a disconnected peer's sync state.
func (e *Engine) RemovePeer(id string) {
	e.peersMu.Lock()
	delete(e.peers, id)
	e.peersMu.Unlock()
	e.protocol.Forget(id)
}

// Dispatch routes one inbound smsg* verb from link into the protocol
// state machine.
func (e *Engine) Dispatch(link PeerLink, command string, payload []byte) error {
	return e.protocol.Dispatch(link, command, payload)
}

// Tick sends an Inv round to every peer ready for one (spec.md §4.5's
// SendDelay throttle), meant to be called from the host's periodic
// network-service loop rather than run as its own goroutine here,
// since Inv timing is coupled to per-peer send scheduling the host
// already owns.
func (e *Engine) Tick() {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	now := e.nowFn()
	for id, link := range e.peers {
		state, ok := e.protocol.State(id)
		if !ok || state.Phase != syncproto.PhaseActive || !state.ReadyToSend(now) {
			continue
		}
		entries := e.protocol.BuildInv(state.LastMatched)
		if len(entries) == 0 {
			continue
		}
		if err := link.Send(params.CmdInv, syncproto.EncodeInvPayload(entries)); err != nil {
			e.log.Warn("smsg: tick: send Inv failed", "peer", id, "err", err)
			continue
		}
		e.protocol.MarkInvSent(id, now)
	}
}

// RescanUnscanned replays every wallet-locked-deferred message,
// meant to be called by the host once on wallet unlock (spec.md §4.6).
func (e *Engine) RescanUnscanned() error {
	return e.pipeline.RescanUnscanned()
}
