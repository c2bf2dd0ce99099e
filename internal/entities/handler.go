package entities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/canonical"
	"github.com/prudhvinik1/medsync/internal/models"
)

// RecordStore is the storage surface a Handler writes through.
type RecordStore interface {
	Get(ctx context.Context, entityType string, id uuid.UUID) (*models.Record, error)
	Insert(ctx context.Context, record *models.Record) error
	Update(ctx context.Context, record *models.Record) error
	SoftDelete(ctx context.Context, entityType string, id uuid.UUID, at time.Time) error
	HardDelete(ctx context.Context, entityType string, id uuid.UUID) error
}

// Handler is the capability set every syncable entity type registers.
// The sync engine only ever talks to entity types through this interface.
type Handler interface {
	Type() string
	Schema() *Schema
	Serialize(entity any) (models.Snapshot, error)
	Deserialize(snapshot models.Snapshot) (any, error)
	ApplyCreate(ctx context.Context, store RecordStore, id uuid.UUID, snapshot models.Snapshot) (*models.Record, error)
	ApplyUpdate(ctx context.Context, store RecordStore, id uuid.UUID, snapshot models.Snapshot) (*models.Record, error)
	ApplyDelete(ctx context.Context, store RecordStore, id uuid.UUID) error
	Timestamp(snapshot models.Snapshot) (time.Time, bool)
}

// SchemaHandler stores entities as schema-validated snapshots.
type SchemaHandler struct {
	schema *Schema
}

func NewSchemaHandler(schema *Schema) *SchemaHandler {
	return &SchemaHandler{schema: schema}
}

func (h *SchemaHandler) Type() string {
	return h.schema.Type
}

func (h *SchemaHandler) Schema() *Schema {
	return h.schema
}

func (h *SchemaHandler) Serialize(entity any) (models.Snapshot, error) {
	snapshot, err := toSnapshot(entity)
	if err != nil {
		return nil, err
	}
	if err := h.schema.Validate(snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (h *SchemaHandler) Deserialize(snapshot models.Snapshot) (any, error) {
	if err := h.schema.Validate(snapshot); err != nil {
		return nil, err
	}
	return snapshot.Clone(), nil
}

func (h *SchemaHandler) ApplyCreate(ctx context.Context, store RecordStore, id uuid.UUID, snapshot models.Snapshot) (*models.Record, error) {
	record, err := h.record(id, snapshot)
	if err != nil {
		return nil, err
	}
	if err := store.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", h.schema.Type, err)
	}
	return record, nil
}

// ApplyUpdate overwrites the stored state; a soft-deleted record is restored.
func (h *SchemaHandler) ApplyUpdate(ctx context.Context, store RecordStore, id uuid.UUID, snapshot models.Snapshot) (*models.Record, error) {
	record, err := h.record(id, snapshot)
	if err != nil {
		return nil, err
	}
	if err := store.Update(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", h.schema.Type, err)
	}
	return record, nil
}

func (h *SchemaHandler) ApplyDelete(ctx context.Context, store RecordStore, id uuid.UUID) error {
	if h.schema.SoftDelete {
		return store.SoftDelete(ctx, h.schema.Type, id, time.Now().UTC())
	}
	return store.HardDelete(ctx, h.schema.Type, id)
}

func (h *SchemaHandler) Timestamp(snapshot models.Snapshot) (time.Time, bool) {
	return h.schema.Timestamp(snapshot)
}

func (h *SchemaHandler) record(id uuid.UUID, snapshot models.Snapshot) (*models.Record, error) {
	if err := h.schema.Validate(snapshot); err != nil {
		return nil, err
	}
	hash, err := canonical.Hash(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", h.schema.Type, err)
	}
	return &models.Record{
		EntityType: h.schema.Type,
		EntityID:   id,
		Data:       snapshot.Clone(),
		DataHash:   hash,
	}, nil
}

// StructHandler maps a Go struct type onto snapshots through its JSON encoding.
type StructHandler[T any] struct {
	*SchemaHandler
}

func NewStructHandler[T any](schema *Schema) *StructHandler[T] {
	return &StructHandler[T]{SchemaHandler: NewSchemaHandler(schema)}
}

func (h *StructHandler[T]) Deserialize(snapshot models.Snapshot) (any, error) {
	if err := h.schema.Validate(snapshot); err != nil {
		return nil, err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s snapshot: %w", h.schema.Type, err)
	}
	var entity T
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", h.schema.Type, err)
	}
	return &entity, nil
}

func toSnapshot(entity any) (models.Snapshot, error) {
	switch v := entity.(type) {
	case models.Snapshot:
		return v.Clone(), nil
	case map[string]any:
		return models.Snapshot(v).Clone(), nil
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var snapshot models.Snapshot
	if err := dec.Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return snapshot, nil
}
