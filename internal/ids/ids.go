// Package ids defines the identifier newtypes shared across the match
// service, tunnel transports, and tunnel manager.
package ids

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// InId identifies one IN (ingress) peer process, minted once at startup.
type InId uuid.UUID

// OutId identifies one OUT (egress) peer process, minted once at startup.
type OutId uuid.UUID

// TunnelId identifies one tunnel between an IN and an OUT peer, minted on
// successful pairing.
type TunnelId uuid.UUID

// MatchInId identifies one IN-side pairing attempt in the rendezvous.
type MatchInId uuid.UUID

// MatchOutId identifies one OUT-side registration in the rendezvous.
type MatchOutId uuid.UUID

func NewInId() InId             { return InId(uuid.New()) }
func NewOutId() OutId           { return OutId(uuid.New()) }
func NewTunnelId() TunnelId     { return TunnelId(uuid.New()) }
func NewMatchInId() MatchInId   { return MatchInId(uuid.New()) }
func NewMatchOutId() MatchOutId { return MatchOutId(uuid.New()) }

func (id InId) String() string         { return uuid.UUID(id).String() }
func (id OutId) String() string        { return uuid.UUID(id).String() }
func (id TunnelId) String() string     { return uuid.UUID(id).String() }
func (id MatchInId) String() string    { return uuid.UUID(id).String() }
func (id MatchOutId) String() string   { return uuid.UUID(id).String() }

// Short returns the first 4 bytes of the identifier as hex, used in the
// "{type} {id_short}({labels})" tunnel display convention.
func (id TunnelId) Short() string {
	u := uuid.UUID(id)
	return fmt.Sprintf("%x", u[:4])
}

func ParseOutId(s string) (OutId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return OutId{}, fmt.Errorf("parse out id: %w", err)
	}
	return OutId(u), nil
}

func ParseInId(s string) (InId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return InId{}, fmt.Errorf("parse in id: %w", err)
	}
	return InId(u), nil
}

func ParseTunnelId(s string) (TunnelId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TunnelId{}, fmt.Errorf("parse tunnel id: %w", err)
	}
	return TunnelId(u), nil
}

func ParseMatchInId(s string) (MatchInId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MatchInId{}, fmt.Errorf("parse match in id: %w", err)
	}
	return MatchInId(u), nil
}

func ParseMatchOutId(s string) (MatchOutId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MatchOutId{}, fmt.Errorf("parse match out id: %w", err)
	}
	return MatchOutId(u), nil
}

func (id InId) MarshalJSON() ([]byte, error)  { return json.Marshal(uuid.UUID(id).String()) }
func (id OutId) MarshalJSON() ([]byte, error) { return json.Marshal(uuid.UUID(id).String()) }
func (id TunnelId) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id).String())
}

func (id MatchInId) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id).String())
}

func (id MatchOutId) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id).String())
}

func (id *MatchInId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseMatchInId(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *MatchOutId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseMatchOutId(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *InId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseInId(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *OutId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseOutId(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *TunnelId) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTunnelId(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
