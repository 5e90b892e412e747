package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"profilefeed/pkg/market"
)

// Encode marshals a frame with its discriminator.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses one frame. Anything malformed or unknown comes back as *market.ProtocolError.
func Decode(data []byte) (Frame, error) {
	// Step 1: read the discriminator only
	var meta struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, protocolErr(data, fmt.Errorf("read type: %w", err))
	}

	// Step 2: parse the concrete frame
	var (
		f   Frame
		err error
	)
	switch meta.Type {
	case TypeSubscribe:
		var m Subscribe
		if err = json.Unmarshal(data, &m); err == nil {
			err = requireKey(m.Symbol, m.Source)
		}
		if err == nil && m.LookbackDays < 0 {
			err = fmt.Errorf("negative lookbackDays %d", m.LookbackDays)
		}
		f = m
	case TypeUnsubscribe:
		var m Unsubscribe
		if err = json.Unmarshal(data, &m); err == nil {
			err = requireKey(m.Symbol, m.Source)
		}
		f = m
	case TypeSnapshot:
		var m Snapshot
		if err = json.Unmarshal(data, &m); err == nil {
			err = requireKey(m.Symbol, m.Source)
		}
		if err == nil {
			err = requireKind(m.Kind)
		}
		f = m
	case TypeUpdate:
		var m Update
		if err = json.Unmarshal(data, &m); err == nil {
			err = requireKey(m.Symbol, m.Source)
		}
		if err == nil {
			err = requireKind(m.Kind)
		}
		f = m
	case TypeTick:
		var m Tick
		if err = json.Unmarshal(data, &m); err == nil {
			err = requireKey(m.Symbol, m.Source)
		}
		f = m
	case TypeHealth:
		var m Health
		if err = json.Unmarshal(data, &m); err == nil {
			err = requireKey(m.Symbol, m.Source)
		}
		if err == nil && m.State != HealthStale && m.State != HealthResumed {
			err = fmt.Errorf("unknown health state %q", m.State)
		}
		f = m
	case TypeError:
		var m Error
		if err = json.Unmarshal(data, &m); err == nil && m.Symbol == "" {
			err = errors.New("error frame without symbol")
		}
		f = m
	case TypeStatus:
		var m Status
		err = json.Unmarshal(data, &m)
		f = m
	case TypeHeartbeat:
		var m Heartbeat
		err = json.Unmarshal(data, &m)
		f = m
	case "":
		err = errors.New("missing type")
	default:
		err = fmt.Errorf("unknown type %q", meta.Type)
	}
	if err != nil {
		return nil, protocolErr(data, err)
	}
	return f, nil
}

func requireKey(symbol, source string) error {
	if symbol == "" || source == "" {
		return errors.New("symbol and source are required")
	}
	return nil
}

func requireKind(k Kind) error {
	if k != KindProfile && k != KindRange {
		return fmt.Errorf("unknown kind %q", k)
	}
	return nil
}

func protocolErr(data []byte, err error) error {
	return &market.ProtocolError{Frame: string(data), Err: err}
}
