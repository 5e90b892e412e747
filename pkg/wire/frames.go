package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"profilefeed/pkg/market"
)

// Type is the frame discriminator carried in the "type" field of every frame.
type Type string

const (
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeSnapshot    Type = "snapshot"
	TypeUpdate      Type = "update"
	TypeTick        Type = "tick"
	TypeHealth      Type = "health"
	TypeError       Type = "error"
	TypeStatus      Type = "status"
	TypeHeartbeat   Type = "heartbeat"
	// TypePackage never travels on the wire; the client assembles it from snapshot parts.
	TypePackage Type = "package"
)

// Kind names the payload family of a snapshot or update.
type Kind string

const (
	KindProfile Kind = "profile"
	KindRange   Kind = "range"
)

// HealthState is the transition announced by a health frame.
type HealthState string

const (
	HealthStale   HealthState = "stale"
	HealthResumed HealthState = "resumed"
)

// Error codes carried by error frames.
const (
	CodeOverflow            = "overflow"
	CodeProtocol            = "protocol"
	CodeSequenceGap         = "sequence_gap"
	CodePermanentDisconnect = "permanent_disconnect"
	CodeBackfill            = "backfill"
)

// Connection states announced by status frames.
const (
	StatusConnected             = "connected"
	StatusDisconnected          = "disconnected"
	StatusReconnecting          = "reconnecting"
	StatusPermanentDisconnected = "permanently_disconnected"
)

// Frame is any message exchanged with a consumer.
type Frame interface {
	FrameType() Type
	// Subject returns the key the frame is addressed to; ok is false for system-scope frames.
	Subject() (key market.CompositeKey, ok bool)
}

type Subscribe struct {
	Symbol       string `json:"symbol"`
	Source       string `json:"source"`
	LookbackDays int    `json:"lookbackDays"`
}

type Unsubscribe struct {
	Symbol string `json:"symbol"`
	Source string `json:"source"`
}

type Snapshot struct {
	Symbol  string          `json:"symbol"`
	Source  string          `json:"source"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type Update struct {
	Symbol   string          `json:"symbol"`
	Source   string          `json:"source"`
	Kind     Kind            `json:"kind"`
	Delta    json.RawMessage `json:"delta"`
	Sequence uint64          `json:"sequence"`
}

type Tick struct {
	Symbol    string  `json:"symbol"`
	Source    string  `json:"source"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp int64   `json:"timestamp"` // milliseconds since epoch
}

type Health struct {
	Symbol string      `json:"symbol"`
	Source string      `json:"source"`
	State  HealthState `json:"state"`
}

// Error is addressed to one symbol, or to market.SystemSymbol for every subscription.
type Error struct {
	Symbol  string `json:"symbol"`
	Source  string `json:"source,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type Status struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
}

type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// Package is a snapshot assembled from independently arriving parts.
// Complete is false when the coordinator timed out; Missing lists the absent kinds.
type Package struct {
	Symbol   string                   `json:"symbol"`
	Source   string                   `json:"source"`
	Parts    map[Kind]json.RawMessage `json:"parts"`
	Missing  []Kind                   `json:"missing,omitempty"`
	Complete bool                     `json:"complete"`
}

func (Subscribe) FrameType() Type   { return TypeSubscribe }
func (Unsubscribe) FrameType() Type { return TypeUnsubscribe }
func (Snapshot) FrameType() Type    { return TypeSnapshot }
func (Update) FrameType() Type      { return TypeUpdate }
func (Tick) FrameType() Type        { return TypeTick }
func (Health) FrameType() Type      { return TypeHealth }
func (Error) FrameType() Type       { return TypeError }
func (Status) FrameType() Type      { return TypeStatus }
func (Heartbeat) FrameType() Type   { return TypeHeartbeat }
func (Package) FrameType() Type     { return TypePackage }

func (m Subscribe) Subject() (market.CompositeKey, bool)   { return keyOf(m.Symbol, m.Source) }
func (m Unsubscribe) Subject() (market.CompositeKey, bool) { return keyOf(m.Symbol, m.Source) }
func (m Snapshot) Subject() (market.CompositeKey, bool)    { return keyOf(m.Symbol, m.Source) }
func (m Update) Subject() (market.CompositeKey, bool)      { return keyOf(m.Symbol, m.Source) }
func (m Tick) Subject() (market.CompositeKey, bool)        { return keyOf(m.Symbol, m.Source) }
func (m Health) Subject() (market.CompositeKey, bool)      { return keyOf(m.Symbol, m.Source) }
func (m Package) Subject() (market.CompositeKey, bool)     { return keyOf(m.Symbol, m.Source) }
func (Status) Subject() (market.CompositeKey, bool)        { return market.CompositeKey{}, false }
func (Heartbeat) Subject() (market.CompositeKey, bool)     { return market.CompositeKey{}, false }

func (m Error) Subject() (market.CompositeKey, bool) {
	if m.Symbol == "" || m.Symbol == market.SystemSymbol {
		return market.CompositeKey{}, false
	}
	return keyOf(m.Symbol, m.Source)
}

func keyOf(symbol, source string) (market.CompositeKey, bool) {
	k := market.NewKey(symbol, source)
	return k, !k.IsZero()
}

// Every frame is encoded flat with its discriminator alongside the fields.

func (m Subscribe) MarshalJSON() ([]byte, error) {
	type alias Subscribe
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeSubscribe, alias(m)})
}

func (m Unsubscribe) MarshalJSON() ([]byte, error) {
	type alias Unsubscribe
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeUnsubscribe, alias(m)})
}

func (m Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeSnapshot, alias(m)})
}

func (m Update) MarshalJSON() ([]byte, error) {
	type alias Update
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeUpdate, alias(m)})
}

func (m Tick) MarshalJSON() ([]byte, error) {
	type alias Tick
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeTick, alias(m)})
}

func (m Health) MarshalJSON() ([]byte, error) {
	type alias Health
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeHealth, alias(m)})
}

func (m Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeError, alias(m)})
}

func (m Status) MarshalJSON() ([]byte, error) {
	type alias Status
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeStatus, alias(m)})
}

func (m Heartbeat) MarshalJSON() ([]byte, error) {
	type alias Heartbeat
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeHeartbeat, alias(m)})
}

func (m Package) MarshalJSON() ([]byte, error) {
	type alias Package
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypePackage, alias(m)})
}

// NewSnapshot marshals payload into a snapshot frame for key.
func NewSnapshot(key market.CompositeKey, kind Kind, payload any) (Snapshot, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode %s snapshot: %w", kind, err)
	}
	return Snapshot{Symbol: key.Symbol, Source: key.Source, Kind: kind, Payload: raw}, nil
}

// NewUpdate marshals delta into an update frame for key.
func NewUpdate(key market.CompositeKey, kind Kind, delta any, sequence uint64) (Update, error) {
	raw, err := json.Marshal(delta)
	if err != nil {
		return Update{}, fmt.Errorf("encode %s delta: %w", kind, err)
	}
	return Update{Symbol: key.Symbol, Source: key.Source, Kind: kind, Delta: raw, Sequence: sequence}, nil
}

// NewTick converts a normalized tick.
func NewTick(t market.Tick) Tick {
	return Tick{
		Symbol:    t.Key.Symbol,
		Source:    t.Key.Source,
		Bid:       t.Bid,
		Ask:       t.Ask,
		Timestamp: t.Timestamp.UnixMilli(),
	}
}

// SystemError builds an error frame addressed to every subscription.
func SystemError(code, message string) Error {
	return Error{Symbol: market.SystemSymbol, Code: code, Message: message}
}

// KeyError builds an error frame addressed to one key's consumers.
func KeyError(key market.CompositeKey, code, message string) Error {
	return Error{Symbol: key.Symbol, Source: key.Source, Code: code, Message: message}
}

// NewHeartbeat stamps a heartbeat with t.
func NewHeartbeat(t time.Time) Heartbeat {
	return Heartbeat{Timestamp: t.UnixMilli()}
}
