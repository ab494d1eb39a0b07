package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/iggydv12/meshtable/internal/events"
)

const envelopeVersion = 1

// Envelope kinds.
const (
	kindEvent = "event"
	kindPing  = "ping"
)

var errMalformedEnvelope = errors.New("malformed envelope")

// envelope is the wire form of a relayed event. It is marshalled as a
// protobuf Struct so any JSON-compatible payload travels unchanged.
type envelope struct {
	ID     string
	Kind   string
	Name   string
	Origin string
	Target string
	Data   events.Data
}

func newEnvelope(kind string, ev events.Event) envelope {
	return envelope{
		ID:     uuid.NewString(),
		Kind:   kind,
		Name:   ev.Name,
		Origin: ev.Origin,
		Target: ev.Target,
		Data:   ev.Data,
	}
}

func (e envelope) marshal() ([]byte, error) {
	data, err := structpb.NewStruct(map[string]any(e.Data))
	if err != nil {
		return nil, fmt.Errorf("event %s payload: %w", e.Name, err)
	}
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"v":      structpb.NewNumberValue(envelopeVersion),
		"id":     structpb.NewStringValue(e.ID),
		"kind":   structpb.NewStringValue(e.Kind),
		"name":   structpb.NewStringValue(e.Name),
		"origin": structpb.NewStringValue(e.Origin),
		"target": structpb.NewStringValue(e.Target),
		"data":   structpb.NewStructValue(data),
	}}
	return proto.Marshal(msg)
}

func unmarshalEnvelope(payload []byte) (envelope, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	f := msg.GetFields()
	if v := f["v"].GetNumberValue(); v != envelopeVersion {
		return envelope{}, fmt.Errorf("%w: version %v", errMalformedEnvelope, v)
	}
	e := envelope{
		ID:     f["id"].GetStringValue(),
		Kind:   f["kind"].GetStringValue(),
		Name:   f["name"].GetStringValue(),
		Origin: f["origin"].GetStringValue(),
		Target: f["target"].GetStringValue(),
		Data:   events.Data(f["data"].GetStructValue().AsMap()),
	}
	if e.ID == "" {
		return envelope{}, fmt.Errorf("%w: no message id", errMalformedEnvelope)
	}
	switch e.Kind {
	case kindPing:
	case kindEvent:
		if e.Name == "" {
			return envelope{}, fmt.Errorf("%w: event without name", errMalformedEnvelope)
		}
	default:
		return envelope{}, fmt.Errorf("%w: kind %q", errMalformedEnvelope, e.Kind)
	}
	return e, nil
}

// seenSet remembers the most recent message ids.
type seenSet struct {
	ids   map[string]struct{}
	order []string
	limit int
}

func newSeenSet(limit int) *seenSet {
	if limit <= 0 {
		limit = 4096
	}
	return &seenSet{ids: make(map[string]struct{}, limit), limit: limit}
}

// add reports whether id is new.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) >= s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}
