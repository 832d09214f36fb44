// SPDX-License-Identifier: AGPL-3.0-or-later
// Replica - Entity replication over unreliable datagrams in a single binary
// Copyright (C) 2025-2026 Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/AngelOnFira/naia-sub000>

package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
)

// quicALPN is the protocol tag both ends must agree on.
const quicALPN = "replica-v1"

// authStreamTimeout bounds a half-open auth exchange.
const authStreamTimeout = 10 * time.Second

// unauthorizedCode is the stream error code for a rejected auth payload.
const unauthorizedCode = 401

// maxAuthPayload bounds the auth stream payload.
const maxAuthPayload = 64 * 1024

// QUICServerSocket carries application frames as QUIC datagrams and the
// handshake auth exchange over per-client unidirectional streams.
type QUICServerSocket struct {
	bind     netip.AddrPort
	tlsConf  *tls.Config
	listener *quic.Listener
	packets  chan Packet
	auth     chan AuthRequest

	mu    sync.Mutex
	conns map[netip.AddrPort]*quic.Conn
}

// NewQUICServerSocket creates a QUIC server socket. A nil tlsConf
// self-signs a certificate, which is the right default for the datagram
// layer (identity lives in the auth payload, not the cert).
func NewQUICServerSocket(bind netip.AddrPort, tlsConf *tls.Config) *QUICServerSocket {
	return &QUICServerSocket{
		bind:    bind,
		tlsConf: tlsConf,
		packets: make(chan Packet, packetChannelSize),
		auth:    make(chan AuthRequest, packetChannelSize),
		conns:   make(map[netip.AddrPort]*quic.Conn),
	}
}

func (s *QUICServerSocket) Listen(ctx context.Context) error {
	tlsConf := s.tlsConf
	if tlsConf == nil {
		var err error
		tlsConf, err = selfSignedTLS()
		if err != nil {
			return err
		}
	}
	tlsConf.NextProtos = []string{quicALPN}
	listener, err := quic.ListenAddr(s.bind.String(), tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return err
	}
	s.listener = listener
	go s.acceptLoop(ctx)
	return nil
}

func (s *QUICServerSocket) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				slog.Warn("QUIC accept failed", "error", err)
			}
			return
		}
		addr, ok := netipFromAddr(conn)
		if !ok {
			_ = conn.CloseWithError(0, "unresolvable address")
			continue
		}
		s.mu.Lock()
		s.conns[addr] = conn
		s.mu.Unlock()

		group, connCtx := errgroup.WithContext(ctx)
		group.Go(func() error { return s.datagramLoop(connCtx, addr, conn) })
		group.Go(func() error { return s.authLoop(connCtx, addr, conn) })
		go func() {
			_ = group.Wait()
			s.mu.Lock()
			delete(s.conns, addr)
			s.mu.Unlock()
		}()
	}
}

func netipFromAddr(conn *quic.Conn) (netip.AddrPort, bool) {
	addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}, false
	}
	return addrPort, true
}

func (s *QUICServerSocket) datagramLoop(ctx context.Context, addr netip.AddrPort, conn *quic.Conn) error {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return err
		}
		select {
		case s.packets <- Packet{Addr: addr, Data: data}:
		default:
			slog.Warn("dropping packet, receive channel full", "addr", addr)
		}
	}
}

func (s *QUICServerSocket) authLoop(ctx context.Context, addr netip.AddrPort, conn *quic.Conn) error {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return err
		}
		go s.handleAuthStream(addr, conn, stream)
	}
}

func (s *QUICServerSocket) handleAuthStream(addr netip.AddrPort, conn *quic.Conn, stream *quic.Stream) {
	_ = stream.SetReadDeadline(time.Now().Add(authStreamTimeout))
	payload, err := io.ReadAll(io.LimitReader(stream, maxAuthPayload))
	if err != nil {
		stream.CancelRead(unauthorizedCode)
		return
	}
	s.auth <- AuthRequest{
		Addr:    addr,
		Payload: payload,
		Accept: func(identityToken string) {
			_, _ = stream.Write([]byte(identityToken))
			_ = stream.Close()
		},
		Reject: func() {
			stream.CancelWrite(unauthorizedCode)
			_ = conn.CloseWithError(unauthorizedCode, "unauthorized")
		},
	}
}

// LocalAddr returns the bound address, useful when listening on port 0.
func (s *QUICServerSocket) LocalAddr() netip.AddrPort {
	if s.listener == nil {
		return s.bind
	}
	addrPort, err := netip.ParseAddrPort(s.listener.Addr().String())
	if err != nil {
		return s.bind
	}
	return addrPort
}

func (s *QUICServerSocket) Packets() <-chan Packet { return s.packets }

func (s *QUICServerSocket) Auth() <-chan AuthRequest { return s.auth }

func (s *QUICServerSocket) Send(addr netip.AddrPort, data []byte) error {
	s.mu.Lock()
	conn, ok := s.conns[addr]
	s.mu.Unlock()
	if !ok {
		return ErrNotStarted
	}
	return conn.SendDatagram(data)
}

func (s *QUICServerSocket) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// QUICClientSocket is the client end of the QUIC transport.
type QUICClientSocket struct {
	server   netip.AddrPort
	conn     *quic.Conn
	packets  chan []byte
	identity chan IdentityResult
}

// NewQUICClientSocket creates a QUIC client socket for server.
func NewQUICClientSocket(server netip.AddrPort) *QUICClientSocket {
	return &QUICClientSocket{
		server:   server,
		packets:  make(chan []byte, packetChannelSize),
		identity: make(chan IdentityResult, 1),
	}
}

func (c *QUICClientSocket) Connect(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, c.server.String(), &tls.Config{
		InsecureSkipVerify: true, // identity comes from the auth payload
		NextProtos:         []string{quicALPN},
	}, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return err
	}
	c.conn = conn
	go c.readLoop(ctx)
	return nil
}

func (c *QUICClientSocket) readLoop(ctx context.Context) {
	for {
		data, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			close(c.packets)
			return
		}
		select {
		case c.packets <- data:
		default:
			slog.Warn("dropping packet, receive channel full")
		}
	}
}

func (c *QUICClientSocket) Packets() <-chan []byte { return c.packets }

func (c *QUICClientSocket) SendAuth(payload []byte, headers map[string]string) error {
	if c.conn == nil {
		return ErrNotStarted
	}
	stream, err := c.conn.OpenStreamSync(context.Background())
	if err != nil {
		return err
	}
	go func() {
		body := payload
		for key, value := range headers {
			body = append(body, []byte("\n"+key+": "+value)...)
		}
		if _, err := stream.Write(body); err != nil {
			c.identity <- IdentityResult{Rejected: true}
			return
		}
		// Half-close our side, then wait for the token or a stream close.
		_ = stream.Close()
		_ = stream.SetReadDeadline(time.Now().Add(authStreamTimeout))
		token, err := io.ReadAll(io.LimitReader(stream, maxAuthPayload))
		if err != nil || len(token) == 0 {
			c.identity <- IdentityResult{Rejected: true}
			return
		}
		c.identity <- IdentityResult{Token: string(token)}
	}()
	return nil
}

func (c *QUICClientSocket) Identity() <-chan IdentityResult { return c.identity }

func (c *QUICClientSocket) Send(data []byte) error {
	if c.conn == nil {
		return ErrNotStarted
	}
	return c.conn.SendDatagram(data)
}

func (c *QUICClientSocket) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.CloseWithError(0, "closed")
}

// selfSignedTLS builds a throwaway certificate for the datagram layer.
func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "replica"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}, nil
}
