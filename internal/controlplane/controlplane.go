package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/nthop/corebfd/internal/bfdcore"
)

// requestMarker sniffs the first line of a connection for the two request
// kinds that are not a bare configDocument: "watch" switches the
// connection into a push-only notify stream (spec 6.2's three notify op
// kinds), "list" asks for a one-shot session snapshot.
type requestMarker struct {
	Watch bool `json:"watch"`
	List  bool `json:"list"`
}

// ControlPlane implements spec 6.2: it accepts connections on a Unix
// domain socket, and for each one either applies/deletes the peer
// configuration documents it receives (spec 4.4, via ConfigApplier) or —
// if the first line is {"watch":true} — streams NotifyOut events to that
// connection until it disconnects.
//
// Grounded on the teacher's server.go shape (thin adapter, sentinel-error
// to wire-status mapping) collapsed from ConnectRPC/protobuf framing onto
// newline-delimited JSON over net.Listener/net.Conn, since that is the
// wire format spec 6.2 names.
type ControlPlane struct {
	applier    *bfdcore.ConfigApplier
	table      *bfdcore.SessionTable
	dispatcher *bfdcore.Dispatcher
	notify     *bfdcore.NotifyOut
	logger     *slog.Logger

	socketPath string

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New wires a ControlPlane against the collaborators it delegates to.
// socketPath is removed and recreated by Serve.
func New(applier *bfdcore.ConfigApplier, table *bfdcore.SessionTable, dispatcher *bfdcore.Dispatcher, notify *bfdcore.NotifyOut, socketPath string, logger *slog.Logger) *ControlPlane {
	return &ControlPlane{
		applier:    applier,
		table:      table,
		dispatcher: dispatcher,
		notify:     notify,
		socketPath: socketPath,
		logger:     logger.With(slog.String("component", "controlplane")),
	}
}

// Serve binds the control socket and accepts connections until ctx is
// cancelled, at which point it closes the listener and waits for every
// in-flight connection handler to return.
func (c *ControlPlane) Serve(ctx context.Context) error {
	if err := os.RemoveAll(c.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("control plane: remove stale socket %s: %w", c.socketPath, err)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("control plane: listen on %s: %w", c.socketPath, err)
	}

	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			c.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control plane: accept: %w", err)
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(ctx, conn)
		}()
	}
}

// handleConn processes exactly one request from conn, then either streams
// notify events (watch) or writes one response and closes (apply/delete).
func (c *ControlPlane) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		c.logger.Debug("read request", slog.String("error", err.Error()))
		return
	}

	var marker requestMarker
	if json.Unmarshal(line, &marker) == nil {
		switch {
		case marker.Watch:
			c.streamNotify(ctx, conn)
			return
		case marker.List:
			c.writeResponse(conn, c.listSessions())
			return
		}
	}

	var doc configDocument
	if err := json.Unmarshal(line, &doc); err != nil {
		c.writeResponse(conn, applyResponse{Results: []entryResult{errResult("", err)}})
		return
	}

	resp := applyResponse{Results: c.applyDocument(doc)}
	c.writeResponse(conn, resp)
}

// applyDocument runs every peer entry in doc through ConfigApplier,
// flushing any leftover FSM actions (an immediate shutdown toggle) through
// the Dispatcher, and collects one entryResult per peer regardless of the
// array it arrived in.
func (c *ControlPlane) applyDocument(doc configDocument) []entryResult {
	all := make([]peerWire, 0, len(doc.IPv4)+len(doc.IPv6)+len(doc.Label))
	all = append(all, doc.IPv4...)
	all = append(all, doc.IPv6...)
	all = append(all, doc.Label...)

	results := make([]entryResult, 0, len(all))
	for _, entry := range all {
		results = append(results, c.applyOne(entry))
	}
	return results
}

func (c *ControlPlane) applyOne(entry peerWire) entryResult {
	cfg, err := entry.toPeerConfig()
	if err != nil {
		return errResult(entry.PeerAddress, err)
	}

	if entry.Delete {
		if err := c.applier.Delete(cfg); err != nil {
			return errResult(entry.PeerAddress, err)
		}
		return okResult(entry.PeerAddress)
	}

	s, leftover, err := c.applier.Apply(cfg)
	if err != nil {
		return errResult(entry.PeerAddress, err)
	}
	c.dispatcher.ExecuteLeftover(s, leftover)
	return okResult(entry.PeerAddress)
}

// streamNotify subscribes conn to every NotifyOut event and writes each as
// one newline-delimited JSON object until ctx is cancelled or the write
// fails (the client disconnected).
func (c *ControlPlane) streamNotify(ctx context.Context, conn net.Conn) {
	ch := c.notify.Subscribe()
	defer c.notify.Unsubscribe(ch)

	enc := json.NewEncoder(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			wire, ok := notifyToWire(event)
			if !ok {
				continue
			}
			if err := enc.Encode(wire); err != nil {
				return
			}
		}
	}
}

func (c *ControlPlane) writeResponse(conn net.Conn, v any) {
	if err := json.NewEncoder(conn).Encode(v); err != nil {
		c.logger.Debug("write response", slog.String("error", err.Error()))
	}
}

// listSessions answers a {"list":true} request with a read-only snapshot
// of every session in the table.
func (c *ControlPlane) listSessions() listResponse {
	sessions := c.table.Sessions()
	out := make([]sessionWire, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionToWire(s))
	}
	return listResponse{Sessions: out}
}
