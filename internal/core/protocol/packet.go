package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeusync/worldcore/internal/core/models"
)

// WirePacket is the decoded, not yet validated, form of one inbound packet.
type WirePacket struct {
	Entity    string `json:"entity"`
	Kind      string `json:"kind,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`
	// Basis is the authoritative seq a predictive source computed this
	// packet against. Omitted, the packet timestamp decides staleness.
	Basis      uint64                    `json:"basis,omitempty"`
	Components map[string]map[string]any `json:"components,omitempty"`
	Remove     []string                  `json:"remove,omitempty"`
}

// Decoder turns raw bytes from the wire into a WirePacket.
type Decoder interface {
	Decode(raw []byte) (WirePacket, error)
}

type DecoderFunc func(raw []byte) (WirePacket, error)

func (f DecoderFunc) Decode(raw []byte) (WirePacket, error) { return f(raw) }

// JSONDecoder reads WirePackets encoded as JSON objects.
var JSONDecoder Decoder = DecoderFunc(func(raw []byte) (WirePacket, error) {
	var pkt WirePacket
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&pkt); err != nil {
		return WirePacket{}, err
	}
	return pkt, nil
})

// Limits bounds what a single packet may carry.
type Limits struct {
	MaxKeyLength  int
	MaxComponents int
	MaxFrameSize  int
}

func DefaultLimits() Limits {
	return Limits{MaxKeyLength: 256, MaxComponents: 64, MaxFrameSize: 1 << 20}
}

// Validate checks a packet and converts it into patches ready to be stamped.
func Validate(pkt WirePacket, limits Limits) (models.EventKind, []models.ComponentPatch, error) {
	key := strings.TrimSpace(pkt.Entity)
	if key == "" {
		return 0, nil, fmt.Errorf("%w: empty entity", ErrInvalidPacket)
	}
	if limits.MaxKeyLength > 0 && len(key) > limits.MaxKeyLength {
		return 0, nil, fmt.Errorf("%w: entity key too long", ErrInvalidPacket)
	}
	kind, ok := models.ParseEventKind(pkt.Kind)
	if !ok {
		return 0, nil, fmt.Errorf("%w: kind %q", ErrInvalidPacket, pkt.Kind)
	}
	if kind == models.EventRemove {
		return kind, nil, nil
	}

	total := len(pkt.Components) + len(pkt.Remove)
	if total == 0 {
		return 0, nil, fmt.Errorf("%w: update without components", ErrInvalidPacket)
	}
	if limits.MaxComponents > 0 && total > limits.MaxComponents {
		return 0, nil, fmt.Errorf("%w: %d components", ErrInvalidPacket, total)
	}

	patches := make([]models.ComponentPatch, 0, total)
	for name, fields := range pkt.Components {
		if strings.TrimSpace(name) == "" {
			return 0, nil, fmt.Errorf("%w: empty component type", ErrInvalidPacket)
		}
		payload, err := models.Normalize(fields)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: component %q: %v", ErrInvalidPacket, name, err)
		}
		patches = append(patches, models.ComponentPatch{Type: models.ComponentType(name), Payload: payload})
	}
	for _, name := range pkt.Remove {
		if strings.TrimSpace(name) == "" {
			return 0, nil, fmt.Errorf("%w: empty component type", ErrInvalidPacket)
		}
		if _, dup := pkt.Components[name]; dup {
			return 0, nil, fmt.Errorf("%w: component %q both set and removed", ErrInvalidPacket, name)
		}
		patches = append(patches, models.ComponentPatch{Type: models.ComponentType(name), Remove: true})
	}
	sort.Slice(patches, func(i, j int) bool { return patches[i].Type < patches[j].Type })

	return kind, patches, nil
}

// ToEvent builds the normalized event once the packet is validated and stamped.
func ToEvent(source models.SourceID, pkt WirePacket, kind models.EventKind, patches []models.ComponentPatch, stamp Stamp) models.PacketEvent {
	ts := stamp.Wall
	if pkt.Timestamp > 0 {
		ts = time.UnixMilli(pkt.Timestamp)
	}
	return models.PacketEvent{
		Kind:            kind,
		Source:          source,
		Entity:          models.EntityRef{Key: strings.TrimSpace(pkt.Entity)},
		Patches:         patches,
		SourceTimestamp: ts,
		SourceSequence:  stamp.Seq,
		Basis:           pkt.Basis,
	}
}

// ActionFrame is the wire form of an outbound action.
type ActionFrame struct {
	ID     string         `json:"id"`
	Entity string         `json:"entity"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

func EncodeAction(a models.ActionPayload) ([]byte, error) {
	entity := a.Entity.Key
	if entity == "" {
		entity = a.Entity.String()
	}
	return json.Marshal(ActionFrame{ID: a.ID, Entity: entity, Name: a.Name, Args: a.Args})
}

func DecodeAction(raw []byte) (ActionFrame, error) {
	var f ActionFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}
