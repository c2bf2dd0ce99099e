package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
)

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// DefaultTimestampField is the field compared by latest-wins resolution.
const DefaultTimestampField = "updated_at"

type FieldKind string

const (
	KindString FieldKind = "string"
	KindText   FieldKind = "text"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindTime   FieldKind = "time"
	KindUUID   FieldKind = "uuid"
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
)

// Schema describes the shape and sync policy of one entity type.
type Schema struct {
	Type           string
	Fields         map[string]FieldKind
	Required       []string
	TimestampField string
	SoftDelete     bool
	Critical       bool
	Financial      bool
	// Strategy pins update_update resolution for this type. Empty uses the resolver default.
	Strategy models.ResolutionStrategy
}

// IsCritical reports whether conflicts on this type always need a human.
func (s *Schema) IsCritical() bool {
	return s.Critical || s.Financial
}

func (s *Schema) IsText(field string) bool {
	return s.Fields[field] == KindText
}

func (s *Schema) timestampField() string {
	if s.TimestampField == "" {
		return DefaultTimestampField
	}
	return s.TimestampField
}

// Timestamp extracts the last-modified time from a snapshot.
func (s *Schema) Timestamp(snapshot models.Snapshot) (time.Time, bool) {
	raw, ok := snapshot[s.timestampField()]
	if !ok || raw == nil {
		return time.Time{}, false
	}
	str, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := parseTime(str)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Stamp sets the timestamp field to t when the schema declares one.
func (s *Schema) Stamp(snapshot models.Snapshot, t time.Time) {
	if _, ok := s.Fields[s.timestampField()]; ok {
		snapshot[s.timestampField()] = t.UTC().Format(time.RFC3339Nano)
	}
}

// Validate checks a snapshot against the declared fields.
func (s *Schema) Validate(snapshot models.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("%w: %s: empty snapshot", ErrInvalidSnapshot, s.Type)
	}

	for _, name := range s.Required {
		if v, ok := snapshot[name]; !ok || v == nil {
			return fmt.Errorf("%w: %s: missing required field %q", ErrInvalidSnapshot, s.Type, name)
		}
	}

	for name, value := range snapshot {
		kind, ok := s.Fields[name]
		if !ok {
			return fmt.Errorf("%w: %s: unknown field %q", ErrInvalidSnapshot, s.Type, name)
		}
		if value == nil {
			continue
		}
		if err := checkKind(kind, value); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrInvalidSnapshot, s.Type, name, err)
		}
	}
	return nil
}

func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func checkKind(kind FieldKind, value any) error {
	switch kind {
	case KindString, KindText:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case KindNumber:
		switch v := value.(type) {
		case json.Number:
			if _, err := v.Float64(); err != nil {
				return fmt.Errorf("invalid number %q", v)
			}
		case float64, float32, int, int32, int64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case KindTime:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected timestamp string, got %T", value)
		}
		if _, err := parseTime(str); err != nil {
			return err
		}
	case KindUUID:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected uuid string, got %T", value)
		}
		if _, err := uuid.Parse(str); err != nil {
			return fmt.Errorf("invalid uuid %q", str)
		}
	case KindObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case KindArray:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	default:
		return fmt.Errorf("unknown field kind %q", kind)
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
