package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/concord/internal/identity"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// PeerTokenHeader carries the acceptor's token back to the dialler.
	PeerTokenHeader = "X-Concord-Peer-Token"

	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 25 * time.Second
	defaultMaxMessage = 16 << 20
	defaultBackoffMin = time.Second
	defaultBackoffMax = 60 * time.Second
	authorizationHead = "Authorization"
	bearerPrefix      = "Bearer "
)

// ErrPeerNotConnected indicates a send to a peer without a live connection.
var ErrPeerNotConnected = errors.New("transport: peer not connected")

// Receiver consumes link lifecycle and inbound frames. Calls for one peer arrive from that peer's read loop.
type Receiver interface {
	OnPeerConnected(peer identity.PeerID)
	OnPeerMessage(peer identity.PeerID, payload []byte)
	OnPeerDisconnected(peer identity.PeerID)
}

// PeerAddress is a configured dial target: "<hex public key>@<ws url>".
type PeerAddress struct {
	ID  identity.PeerID
	URL string
}

// ParsePeerAddress parses the configured form of a dial target.
func ParsePeerAddress(raw string) (PeerAddress, error) {
	idPart, urlPart, found := strings.Cut(strings.TrimSpace(raw), "@")
	if !found || urlPart == "" {
		return PeerAddress{}, fmt.Errorf("transport: peer address %q must be <id>@<url>", raw)
	}
	peerID, err := identity.NewPeerID(idPart)
	if err != nil {
		return PeerAddress{}, err
	}
	if !strings.HasPrefix(urlPart, "ws://") && !strings.HasPrefix(urlPart, "wss://") {
		return PeerAddress{}, fmt.Errorf("transport: peer url %q must use ws or wss", urlPart)
	}
	return PeerAddress{ID: peerID, URL: urlPart}, nil
}

// Config describes the inputs required to build a Transport.
type Config struct {
	Key             identity.KeyPair
	Peers           []PeerAddress
	Allowlist       []identity.PeerID
	Receiver        Receiver
	Logger          *zap.Logger
	Clock           func() time.Time
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	MaxMessageBytes int64
	Dialer          *websocket.Dialer
}

type peerConn struct {
	peer       identity.PeerID
	conn       *websocket.Conn
	generation uint64
	outbound   bool
	writeMu    sync.Mutex
	closeOnce  sync.Once
	done       chan struct{}
}

func (c *peerConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *peerConn) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}

// Transport maintains authenticated websocket links to peers.
type Transport struct {
	key        identity.KeyPair
	tokens     *PeerTokens
	peers      []PeerAddress
	allowlist  map[identity.PeerID]struct{}
	receiver   Receiver
	logger     *zap.Logger
	backoffMin time.Duration
	backoffMax time.Duration
	maxMessage int64
	dialer     *websocket.Dialer
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	conns      map[identity.PeerID]*peerConn
	generation uint64
}

// New validates cfg and constructs a Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Key.ID == "" || len(cfg.Key.Private) == 0 {
		return nil, errors.New("transport: key is required")
	}
	if cfg.Receiver == nil {
		return nil, errors.New("transport: receiver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoffMin := cfg.BackoffMin
	if backoffMin <= 0 {
		backoffMin = defaultBackoffMin
	}
	backoffMax := cfg.BackoffMax
	if backoffMax < backoffMin {
		backoffMax = defaultBackoffMax
	}
	maxMessage := cfg.MaxMessageBytes
	if maxMessage <= 0 {
		maxMessage = defaultMaxMessage
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	allowlist := make(map[identity.PeerID]struct{}, len(cfg.Allowlist))
	for _, peerID := range cfg.Allowlist {
		allowlist[peerID] = struct{}{}
	}
	return &Transport{
		key:        cfg.Key,
		tokens:     NewPeerTokens(cfg.Key, cfg.Clock),
		peers:      append([]PeerAddress(nil), cfg.Peers...),
		allowlist:  allowlist,
		receiver:   cfg.Receiver,
		logger:     logger,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		maxMessage: maxMessage,
		dialer:     dialer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[identity.PeerID]*peerConn),
	}, nil
}

// LocalID returns our own identity.
func (t *Transport) LocalID() identity.PeerID {
	return t.key.ID
}

// ServeHTTP accepts an inbound peer link. It blocks until the link closes.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get(authorizationHead)
	if !strings.HasPrefix(header, bearerPrefix) {
		http.Error(w, "missing peer token", http.StatusUnauthorized)
		return
	}
	peerID, err := t.tokens.Verify(strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)))
	if err != nil {
		t.logger.Warn("peer authentication failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "invalid peer token", http.StatusUnauthorized)
		return
	}
	if !t.allowed(peerID) {
		t.logger.Warn("peer rejected by allowlist", zap.String("peer", peerID.Short()))
		http.Error(w, "peer not allowed", http.StatusForbidden)
		return
	}
	reply, err := t.tokens.Issue(peerID)
	if err != nil {
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	responseHeader := http.Header{}
	responseHeader.Set(PeerTokenHeader, reply)
	conn, err := t.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		t.logger.Warn("peer upgrade failed", zap.String("peer", peerID.Short()), zap.Error(err))
		return
	}
	t.serve(peerID, conn, false)
}

func (t *Transport) allowed(peerID identity.PeerID) bool {
	if len(t.allowlist) == 0 {
		return true
	}
	_, ok := t.allowlist[peerID]
	return ok
}

// Run dials every configured peer, reconnecting with exponential backoff, until ctx is cancelled. On
// return every link is closed.
func (t *Transport) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, address := range t.peers {
		if address.ID == t.key.ID {
			continue
		}
		address := address
		group.Go(func() error {
			t.dialLoop(groupCtx, address)
			return nil
		})
	}
	<-ctx.Done()
	t.CloseAll()
	return group.Wait()
}

func (t *Transport) dialLoop(ctx context.Context, address PeerAddress) {
	backoff := t.backoffMin
	for {
		if existing := t.current(address.ID); existing != nil {
			select {
			case <-ctx.Done():
				return
			case <-existing.done:
				continue
			}
		}

		conn, err := t.dial(ctx, address)
		if err == nil {
			backoff = t.backoffMin
			t.serve(address.ID, conn, true)
		} else if ctx.Err() == nil {
			t.logger.Warn("peer dial failed",
				zap.String("peer", address.ID.Short()),
				zap.String("url", address.URL),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err != nil {
			backoff *= 2
			if backoff > t.backoffMax {
				backoff = t.backoffMax
			}
		}
	}
}

func (t *Transport) dial(ctx context.Context, address PeerAddress) (*websocket.Conn, error) {
	token, err := t.tokens.Issue(address.ID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set(authorizationHead, bearerPrefix+token)
	conn, response, err := t.dialer.DialContext(ctx, address.URL, header)
	if err != nil {
		return nil, err
	}
	acceptor, err := t.tokens.Verify(response.Header.Get(PeerTokenHeader))
	if err != nil || acceptor != address.ID {
		_ = conn.Close()
		if err == nil {
			err = fmt.Errorf("%w: acceptor identified as %s", ErrPeerUnauthorized, acceptor.Short())
		}
		return nil, err
	}
	return conn, nil
}

// serve registers conn and runs its read loop until it closes.
func (t *Transport) serve(peerID identity.PeerID, conn *websocket.Conn, outbound bool) {
	link, accepted := t.register(peerID, conn, outbound)
	if !accepted {
		t.logger.Debug("duplicate peer link dropped", zap.String("peer", peerID.Short()), zap.Bool("outbound", outbound))
		_ = conn.Close()
		return
	}
	t.logger.Info("peer link established", zap.String("peer", peerID.Short()), zap.Bool("outbound", outbound))
	t.receiver.OnPeerConnected(peerID)

	stopPing := make(chan struct{})
	go t.pingLoop(link, stopPing)
	t.readLoop(link)
	close(stopPing)
	link.close()

	if t.unregister(link) {
		t.logger.Info("peer link closed", zap.String("peer", peerID.Short()))
		t.receiver.OnPeerDisconnected(peerID)
	}
	close(link.done)
}

// register installs a link. When a link for the peer already exists, a link in the same direction replaces
// it; across directions the link dialled by the lower identity wins on both ends.
func (t *Transport) register(peerID identity.PeerID, conn *websocket.Conn, outbound bool) (*peerConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[peerID]; ok && existing.outbound != outbound {
		if !t.preferred(peerID, outbound) {
			return nil, false
		}
	}
	t.generation++
	link := &peerConn{peer: peerID, conn: conn, generation: t.generation, outbound: outbound, done: make(chan struct{})}
	if existing, ok := t.conns[peerID]; ok {
		existing.close()
	}
	t.conns[peerID] = link
	return link, true
}

func (t *Transport) preferred(peerID identity.PeerID, outbound bool) bool {
	dialler := peerID
	if outbound {
		dialler = t.key.ID
	}
	lower := t.key.ID
	if peerID < lower {
		lower = peerID
	}
	return dialler == lower
}

func (t *Transport) unregister(link *peerConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.conns[link.peer]
	if !ok || current.generation != link.generation {
		return false
	}
	delete(t.conns, link.peer)
	return true
}

func (t *Transport) current(peerID identity.PeerID) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[peerID]
}

func (t *Transport) readLoop(link *peerConn) {
	link.conn.SetReadLimit(t.maxMessage)
	_ = link.conn.SetReadDeadline(time.Now().Add(pongWait))
	link.conn.SetPongHandler(func(string) error {
		return link.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := link.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("peer read ended", zap.String("peer", link.peer.Short()), zap.Error(err))
			}
			return
		}
		_ = link.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		t.receiver.OnPeerMessage(link.peer, payload)
	}
}

func (t *Transport) pingLoop(link *peerConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			link.writeMu.Lock()
			err := link.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			link.writeMu.Unlock()
			if err != nil {
				link.close()
				return
			}
		}
	}
}

// Send writes one frame to peer.
func (t *Transport) Send(_ context.Context, peerID identity.PeerID, payload []byte) error {
	link := t.current(peerID)
	if link == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID.Short())
	}
	if err := link.write(websocket.TextMessage, payload); err != nil {
		link.close()
		return fmt.Errorf("transport: send to %s: %w", peerID.Short(), err)
	}
	return nil
}

// Disconnect closes the link to peer; the read loop then reports the disconnect.
func (t *Transport) Disconnect(peerID identity.PeerID) {
	if link := t.current(peerID); link != nil {
		link.close()
	}
}

// Connected returns the identities with a live link, sorted.
func (t *Transport) Connected() []identity.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]identity.PeerID, 0, len(t.conns))
	for peerID := range t.conns {
		peers = append(peers, peerID)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// CloseAll closes every link.
func (t *Transport) CloseAll() {
	t.mu.Lock()
	links := make([]*peerConn, 0, len(t.conns))
	for _, link := range t.conns {
		links = append(links, link)
	}
	t.mu.Unlock()
	for _, link := range links {
		link.writeMu.Lock()
		_ = link.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		link.writeMu.Unlock()
		link.close()
	}
}
