package rpc

import (
	"context"
	"crypto/tls"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/muprotocol/mu/internal/gateway"
	"github.com/muprotocol/mu/internal/identity"
	"github.com/muprotocol/mu/internal/runtime"
	"github.com/muprotocol/mu/internal/stack"
)

// peerConn is one pooled TLS connection to a peer, with its own encoder
// mutex and a map of pending requests keyed by correlation ID
// (spec.md §4.5: "the transport supports per-connection multiplexing;
// there is no global ordering between requests").
type peerConn struct {
	conn net.Conn
	enc  *gob.Encoder

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan frame
}

// Client dials and pools connections to peers by NodeID, and issues
// ExecuteFunction calls over them.
type Client struct {
	tlsConfig *tls.Config
	log       zerolog.Logger

	nextID uint64

	mu    sync.Mutex
	conns map[string]*peerConn
}

// NewClient builds a Client. tlsConfig should skip verification of a CA
// chain (there is none) since the trust anchor is the membership row,
// not a PKI (spec.md §4.5).
func NewClient(tlsConfig *tls.Config, log zerolog.Logger) *Client {
	return &Client{
		tlsConfig: tlsConfig,
		log:       log.With().Str("component", "rpc-client").Logger(),
		conns:     make(map[string]*peerConn),
	}
}

// ExecuteFunction implements gateway.Forwarder: dial-or-reuse a
// connection to target, send the request, and wait for its matching
// response frame.
func (c *Client) ExecuteFunction(ctx context.Context, target identity.NodeID, fn stack.FunctionID, req runtime.Request) (runtime.Response, error) {
	pc, err := c.connFor(ctx, target)
	if err != nil {
		return runtime.Response{}, fmt.Errorf("rpc: dial %s: %w", target, err)
	}

	id := atomic.AddUint64(&c.nextID, 1)
	replyCh := make(chan frame, 1)
	pc.mu.Lock()
	pc.pending[id] = replyCh
	pc.mu.Unlock()
	defer func() {
		pc.mu.Lock()
		delete(pc.pending, id)
		pc.mu.Unlock()
	}()

	out := frame{ID: id, Kind: frameRequest, Function: fn, Request: req}
	pc.writeMu.Lock()
	err = pc.enc.Encode(out)
	pc.writeMu.Unlock()
	if err != nil {
		c.drop(target)
		return runtime.Response{}, fmt.Errorf("rpc: send: %w", err)
	}

	select {
	case <-ctx.Done():
		return runtime.Response{}, ctx.Err()
	case reply, ok := <-replyCh:
		if !ok {
			return runtime.Response{}, ErrConnectionClosed
		}
		if reply.Err != nil {
			if reply.Err.Kind == ErrKindNotOwner {
				return runtime.Response{}, fmt.Errorf("%w: %s", gateway.ErrNotOwner, reply.Err.Detail)
			}
			return runtime.Response{}, reply.Err
		}
		return reply.Response, nil
	}
}

func (c *Client) connFor(ctx context.Context, target identity.NodeID) (*peerConn, error) {
	key := target.Key()
	c.mu.Lock()
	pc, ok := c.conns[key]
	c.mu.Unlock()
	if ok {
		return pc, nil
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	addr := fmt.Sprintf("%s:%d", target.Addr, target.Port)
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, c.tlsConfig)
	if err != nil {
		return nil, err
	}

	pc = &peerConn{conn: conn, enc: gob.NewEncoder(conn), pending: make(map[uint64]chan frame)}
	c.mu.Lock()
	c.conns[key] = pc
	c.mu.Unlock()

	go c.readLoop(key, pc)
	return pc, nil
}

func (c *Client) readLoop(key string, pc *peerConn) {
	dec := gob.NewDecoder(pc.conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			c.log.Debug().Err(err).Str("peer", key).Msg("rpc client connection closed")
			break
		}
		if f.Kind != frameResponse {
			continue
		}
		pc.mu.Lock()
		ch, ok := pc.pending[f.ID]
		pc.mu.Unlock()
		if ok {
			ch <- f
		}
	}

	pc.mu.Lock()
	for id, ch := range pc.pending {
		close(ch)
		delete(pc.pending, id)
	}
	pc.mu.Unlock()

	c.mu.Lock()
	if c.conns[key] == pc {
		delete(c.conns, key)
	}
	c.mu.Unlock()
	_ = pc.conn.Close()
}

func (c *Client) drop(target identity.NodeID) {
	key := target.Key()
	c.mu.Lock()
	pc, ok := c.conns[key]
	if ok {
		delete(c.conns, key)
	}
	c.mu.Unlock()
	if ok {
		_ = pc.conn.Close()
	}
}

// ClientTLSConfig builds the client-side TLS configuration. Verification
// is skipped at the TLS layer because the trust anchor is the
// membership row's published node identity, not a certificate chain
// (spec.md §4.5).
func ClientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}
}
