// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package backend holds the types shared across the private-DNS core that
// would otherwise create import cycles between config, validate, dispatch
// and the transport packages: transport-type and mode constants, the
// query-result status taxonomy, the Transport/Observer contracts, and the
// shared error taxonomy.
package backend

import (
	"context"
	"errors"
)

// Transport types.
const (
	DO53 = "DNS"
	DOT  = "DNS-over-TLS"
	DOH  = "DNS-over-HTTPS"
)

// Privacy modes.
type Mode int

const (
	ModeOff Mode = iota
	ModeOpportunistic
	ModeStrict
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOpportunistic:
		return "opportunistic"
	case ModeStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Validation status of a ServerEntry.
type ValidationStatus int32

const (
	StatusUnknown ValidationStatus = iota
	StatusInProcess
	StatusSuccess
	StatusFail
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusInProcess:
		return "in_process"
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Query result status, the observable-failure taxonomy.
const (
	Start = iota
	Complete
	SendFailed
	Timeout
	NetworkError
	FormErr
	ServFail
	BadQuery
	BadResponse
	InternalError
	TlsHandshakeFailed
	TlsNameMismatch
)

// Flags controlling cache and retry behavior for a single query.
type Flags uint8

const (
	NoCacheLookup Flags = 1 << iota
	NoCacheStore
	NoRetry
	UseLocalNameservers
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Error taxonomy shared across the private-DNS core.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrTimeout            = errors.New("timeout")
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrRefused            = errors.New("refused")
	ErrFormErr            = errors.New("formerr")
	ErrServFail           = errors.New("servfail")
	ErrTlsHandshakeFailed = errors.New("tls handshake failed")
	ErrTlsNameMismatch    = errors.New("tls name mismatch")
	ErrCacheFlushed       = errors.New("cache flushed")
	ErrBlockedByPolicy    = errors.New("blocked by uid policy")
	ErrPrivateDnsFailed   = errors.New("private dns validation failed")
	ErrNoSuchNetwork      = errors.New("no such network")
)

// Transport is implemented by every Do53/DoT/DoH transport and is what the
// dispatcher and health/selection code depend on, never a concrete type.
type Transport interface {
	// ID uniquely identifies this transport within a network.
	ID() string
	// Type is one of DO53, DOT, DOH.
	Type() string
	// Addr is the server's dial address (host:port).
	Addr() string
	// Query sends q (a raw DNS wire message) and returns the raw wire
	// response, or an error. network is "udp" or "tcp" (Do53 only).
	Query(ctx context.Context, network string, q []byte) ([]byte, error)
}

// Observer receives best-effort, non-blocking notifications. Emission must
// never block the query or validation path.
type Observer interface {
	// OnPrivateDnsValidation fires once per terminal validation transition.
	OnPrivateDnsValidation(netID uint32, ip, host string, success bool)
	// OnNat64PrefixUpdate fires when a network's NAT64 prefix changes.
	OnNat64PrefixUpdate(netID uint32, added bool, prefix string, prefixLen int)
}

// NopObserver discards every event; used where no observer is configured.
type NopObserver struct{}

func (NopObserver) OnPrivateDnsValidation(uint32, string, string, bool) {}
func (NopObserver) OnNat64PrefixUpdate(uint32, bool, string, int)       {}
