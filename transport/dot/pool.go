// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dot

import (
	"crypto/tls"
	"errors"
	"sync"

	"github.com/miekg/dns"
)

var errConnClosed = errors.New("dot: connection closed")

// pooledConn is one pipelined TLS connection: a single write-side mutex
// and a background read loop that demultiplexes responses onto waiting
// callers by DNS message ID, so many queries can be in flight at once on
// one TCP/TLS connection.
type pooledConn struct {
	conn *tls.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint16]chan *dns.Msg

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newPooledConn(c *tls.Conn) *pooledConn {
	pc := &pooledConn{
		conn:    c,
		pending: make(map[uint16]chan *dns.Msg),
		closed:  make(chan struct{}),
	}
	go pc.readLoop()
	return pc
}

func (pc *pooledConn) readLoop() {
	dc := &dns.Conn{Conn: pc.conn}
	for {
		msg, err := dc.ReadMsg()
		if err != nil {
			pc.shutdown(err)
			return
		}

		pc.pendingMu.Lock()
		ch, ok := pc.pending[msg.Id]
		if ok {
			delete(pc.pending, msg.Id)
		}
		pc.pendingMu.Unlock()

		if ok {
			ch <- msg
		}
	}
}

// exchange writes msg and waits for the matching reply, or for ctx to be
// canceled, or for the connection to die under another query's read.
func (pc *pooledConn) exchange(done <-chan struct{}, msg *dns.Msg) (*dns.Msg, error) {
	ch := make(chan *dns.Msg, 1)

	pc.pendingMu.Lock()
	pc.pending[msg.Id] = ch
	pc.pendingMu.Unlock()

	dc := &dns.Conn{Conn: pc.conn}
	pc.writeMu.Lock()
	err := dc.WriteMsg(msg)
	pc.writeMu.Unlock()
	if err != nil {
		pc.pendingMu.Lock()
		delete(pc.pending, msg.Id)
		pc.pendingMu.Unlock()
		return nil, err
	}

	select {
	case m := <-ch:
		if m == nil {
			return nil, pc.closeErr
		}
		return m, nil
	case <-done:
		pc.pendingMu.Lock()
		delete(pc.pending, msg.Id)
		pc.pendingMu.Unlock()
		return nil, errContextDone
	case <-pc.closed:
		return nil, pc.closeErr
	}
}

func (pc *pooledConn) shutdown(err error) {
	pc.closeOnce.Do(func() {
		pc.closeErr = err
		close(pc.closed)
		pc.conn.Close()

		pc.pendingMu.Lock()
		defer pc.pendingMu.Unlock()
		for id, ch := range pc.pending {
			close(ch)
			delete(pc.pending, id)
		}
	})
}

func (pc *pooledConn) isDead() bool {
	select {
	case <-pc.closed:
		return true
	default:
		return false
	}
}

func (pc *pooledConn) close() {
	pc.shutdown(errConnClosed)
}

var errContextDone = errors.New("dot: context done while awaiting response")
