package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/store"
	"github.com/zeusync/worldcore/pkg/generic"
)

// CodecVersion is the first byte of every encoded delta.
const CodecVersion byte = 1

var (
	ErrCodecVersion = errors.New("unsupported delta encoding version")
	ErrTruncated    = errors.New("truncated delta buffer")
)

const flagRemoved byte = 1

var payloadBuffers = generic.NewBufferPool(256, 64<<10)

// SkipReason says why a decoder left a component out.
type SkipReason uint8

const (
	SkipUnknownType SkipReason = iota + 1
	SkipNewerSchema
)

func (r SkipReason) String() string {
	switch r {
	case SkipUnknownType:
		return "unknown_type"
	case SkipNewerSchema:
		return "newer_schema"
	default:
		return "unknown"
	}
}

// Skipped is a component present on the wire that the decoder did not
// understand.
type Skipped struct {
	Type          models.ComponentType
	SchemaVersion uint16
	Reason        SkipReason
}

// Codec encodes deltas as versioned, schema-tagged buffers:
//
//	version | entity | version | kind | confidence | tier | key | source | committed | score | n
//	n x ( type | schema | flags | component version | changed... | len | protobuf Struct )
//
// Integers are uvarints and strings are length prefixed. A decoder skips
// component types it has no schema for and schema versions newer than its
// own, so producers can add components without breaking older consumers.
type Codec struct {
	schemas map[models.ComponentType]uint16
}

func NewCodec(schemas map[models.ComponentType]uint16) *Codec {
	return &Codec{schemas: schemas}
}

// SchemasOf lists the schema versions of every registered component type.
func SchemasOf(reg *store.Registry) map[models.ComponentType]uint16 {
	out := make(map[models.ComponentType]uint16)
	for _, t := range reg.Types() {
		spec, _ := reg.Lookup(t)
		out[t] = spec.SchemaVersion
	}
	return out
}

func (c *Codec) Encode(d models.SyncDelta) ([]byte, error) {
	buf := make([]byte, 0, 128)
	buf = append(buf, CodecVersion)
	buf = binary.AppendUvarint(buf, uint64(d.Entity))
	buf = binary.AppendUvarint(buf, uint64(d.Version))
	buf = append(buf, byte(d.Kind), byte(d.Confidence), byte(d.Tier))
	buf = appendString(buf, d.Key)
	buf = appendString(buf, string(d.Source))
	buf = binary.AppendVarint(buf, d.CommittedAt.UnixNano())
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(d.Score))
	buf = binary.AppendUvarint(buf, uint64(len(d.Diffs)))

	opts := proto.MarshalOptions{Deterministic: true}
	for _, diff := range d.Diffs {
		buf = appendString(buf, string(diff.Type))
		buf = binary.AppendUvarint(buf, uint64(c.schemas[diff.Type]))
		var flags byte
		if diff.Removed {
			flags |= flagRemoved
		}
		buf = append(buf, flags)
		buf = binary.AppendUvarint(buf, uint64(diff.Version))
		buf = binary.AppendUvarint(buf, uint64(len(diff.Changed)))
		for _, path := range diff.Changed {
			buf = appendString(buf, path)
		}

		if diff.Removed {
			buf = binary.AppendUvarint(buf, 0)
			continue
		}
		s, err := structpb.NewStruct(plainMap(diff.Payload))
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", diff.Type, err)
		}
		scratch := payloadBuffers.Get()
		body, err := opts.MarshalAppend(*scratch, s)
		if err != nil {
			payloadBuffers.Put(scratch)
			return nil, fmt.Errorf("encode %s payload: %w", diff.Type, err)
		}
		buf = binary.AppendUvarint(buf, uint64(len(body)))
		buf = append(buf, body...)
		*scratch = body
		payloadBuffers.Put(scratch)
	}
	return buf, nil
}

// Decode parses a buffer produced by Encode. Components the codec cannot
// interpret are reported in skipped rather than failing the delta.
func (c *Codec) Decode(data []byte) (d models.SyncDelta, skipped []Skipped, err error) {
	r := &reader{buf: data}
	if v := r.byte(); r.err == nil && v != CodecVersion {
		return d, nil, fmt.Errorf("%w: %d", ErrCodecVersion, v)
	}
	d.Entity = models.EntityID(r.uvarint())
	d.Version = models.Version(r.uvarint())
	d.Kind = models.DeltaKind(r.byte())
	d.Confidence = models.Confidence(r.byte())
	d.Tier = models.Tier(r.byte())
	d.Key = r.string()
	d.Source = models.SourceID(r.string())
	if ns := r.varint(); ns != 0 {
		d.CommittedAt = time.Unix(0, ns).UTC()
	}
	d.Score = math.Float64frombits(r.uint64())

	n := r.count()
	for i := uint64(0); i < n && r.err == nil; i++ {
		diff := models.ComponentDiff{Type: models.ComponentType(r.string())}
		wide := r.uvarint()
		schema := uint16(min(wide, math.MaxUint16))
		flags := r.byte()
		diff.Version = models.Version(r.uvarint())
		for range r.count() {
			diff.Changed = append(diff.Changed, r.string())
		}
		body := r.bytes()
		if r.err != nil {
			break
		}

		known, ok := c.schemas[diff.Type]
		switch {
		case !ok:
			skipped = append(skipped, Skipped{Type: diff.Type, SchemaVersion: schema, Reason: SkipUnknownType})
			continue
		case wide > math.MaxUint16 || schema > known:
			skipped = append(skipped, Skipped{Type: diff.Type, SchemaVersion: schema, Reason: SkipNewerSchema})
			continue
		}

		if flags&flagRemoved != 0 {
			diff.Removed = true
		} else {
			s := &structpb.Struct{}
			if err := proto.Unmarshal(body, s); err != nil {
				return d, skipped, fmt.Errorf("decode %s payload: %w", diff.Type, err)
			}
			if diff.Payload, err = models.Normalize(s.AsMap()); err != nil {
				return d, skipped, fmt.Errorf("decode %s payload: %w", diff.Type, err)
			}
		}
		d.Diffs = append(d.Diffs, diff)
	}
	if r.err != nil {
		return d, skipped, r.err
	}
	return d, skipped, nil
}

// plainMap converts nested payloads to the map type structpb accepts.
func plainMap(p models.Payload) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case models.Payload:
		return plainMap(t)
	case map[string]any:
		return plainMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = ErrTruncated
	}
}

func (r *reader) byte() byte {
	if r.err != nil || len(r.buf) < 1 {
		r.fail()
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.fail()
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

// count reads a length that cannot exceed the remaining bytes.
func (r *reader) count() uint64 {
	n := r.uvarint()
	if n > uint64(len(r.buf)) {
		r.fail()
		return 0
	}
	return n
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.fail()
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) uint64() uint64 {
	if r.err != nil || len(r.buf) < 8 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v
}

func (r *reader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil || uint64(len(r.buf)) < n {
		r.fail()
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) string() string { return string(r.bytes()) }
