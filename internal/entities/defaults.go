package entities

import (
	"github.com/prudhvinik1/medsync/internal/models"
)

// Type tags of the healthcare entities replicated between instances and the cloud.
const (
	TypeParticipant        = "core.participant"
	TypeOrganization       = "core.organization"
	TypeAppointment        = "clinical.appointment"
	TypePrescription       = "clinical.prescription"
	TypeMedicalRecord      = "clinical.medical_record"
	TypeDoctorAvailability = "scheduling.doctor_availability"
	TypeInventoryItem      = "pharmacy.inventory_item"
	TypeOperationalNote    = "local.operational_note"
	TypeTransaction        = "finance.transaction"
	TypeWallet             = "finance.wallet"
	TypeInsuranceClaim     = "insurance.claim"
)

// Transaction is the typed view of a finance.transaction snapshot.
type Transaction struct {
	ID          string  `json:"id"`
	WalletID    string  `json:"wallet_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	Reference   string  `json:"reference"`
	Description string  `json:"description,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
	UpdatedAt   string  `json:"updated_at,omitempty"`
}

func base(fields map[string]FieldKind) map[string]FieldKind {
	out := map[string]FieldKind{
		"id":         KindUUID,
		"created_at": KindTime,
		"updated_at": KindTime,
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// DefaultSchemas returns the schemas of every built-in entity type.
func DefaultSchemas() []*Schema {
	return []*Schema{
		{
			Type: TypeParticipant,
			Fields: base(map[string]FieldKind{
				"organization_id": KindUUID,
				"role":            KindString,
				"first_name":      KindString,
				"last_name":       KindString,
				"email":           KindString,
				"phone":           KindString,
				"date_of_birth":   KindTime,
				"address":         KindText,
				"bio":             KindText,
				"is_active":       KindBool,
			}),
			Required:   []string{"id", "role"},
			SoftDelete: true,
			Strategy:   models.StrategyCloudWins,
		},
		{
			Type: TypeOrganization,
			Fields: base(map[string]FieldKind{
				"name":        KindString,
				"kind":        KindString,
				"address":     KindText,
				"description": KindText,
				"is_verified": KindBool,
			}),
			Required: []string{"id", "name"},
			Strategy: models.StrategyCloudWins,
		},
		{
			Type: TypeAppointment,
			Fields: base(map[string]FieldKind{
				"organization_id":  KindUUID,
				"patient_id":       KindUUID,
				"doctor_id":        KindUUID,
				"status":           KindString,
				"scheduled_for":    KindTime,
				"duration_minutes": KindNumber,
				"reason":           KindText,
				"notes":            KindText,
			}),
			Required:   []string{"id", "patient_id", "status"},
			SoftDelete: true,
		},
		{
			Type: TypePrescription,
			Fields: base(map[string]FieldKind{
				"patient_id":   KindUUID,
				"doctor_id":    KindUUID,
				"medication":   KindString,
				"dosage":       KindString,
				"quantity":     KindNumber,
				"refills":      KindNumber,
				"status":       KindString,
				"instructions": KindText,
			}),
			Required:   []string{"id", "patient_id", "medication"},
			SoftDelete: true,
		},
		{
			Type: TypeMedicalRecord,
			Fields: base(map[string]FieldKind{
				"patient_id":  KindUUID,
				"author_id":   KindUUID,
				"record_type": KindString,
				"diagnosis":   KindText,
				"summary":     KindText,
				"vitals":      KindObject,
				"attachments": KindArray,
			}),
			Required:   []string{"id", "patient_id"},
			SoftDelete: true,
		},
		{
			Type: TypeDoctorAvailability,
			Fields: base(map[string]FieldKind{
				"doctor_id":   KindUUID,
				"weekday":     KindNumber,
				"start_time":  KindString,
				"end_time":    KindString,
				"is_bookable": KindBool,
			}),
			Required: []string{"id", "doctor_id"},
			Strategy: models.StrategyCloudWins,
		},
		{
			Type: TypeInventoryItem,
			Fields: base(map[string]FieldKind{
				"organization_id": KindUUID,
				"sku":             KindString,
				"name":            KindString,
				"quantity":        KindNumber,
				"unit_price":      KindNumber,
				"notes":           KindText,
			}),
			Required: []string{"id", "sku"},
			Strategy: models.StrategyMerge,
		},
		{
			Type: TypeOperationalNote,
			Fields: base(map[string]FieldKind{
				"author_id": KindUUID,
				"subject":   KindString,
				"body":      KindText,
			}),
			Required: []string{"id"},
			Strategy: models.StrategyLocalWins,
		},
		{
			Type: TypeTransaction,
			Fields: base(map[string]FieldKind{
				"wallet_id":   KindUUID,
				"amount":      KindNumber,
				"currency":    KindString,
				"kind":        KindString,
				"status":      KindString,
				"reference":   KindString,
				"description": KindText,
			}),
			Required:   []string{"id", "amount", "currency"},
			SoftDelete: true,
			Financial:  true,
		},
		{
			Type: TypeWallet,
			Fields: base(map[string]FieldKind{
				"owner_id":  KindUUID,
				"balance":   KindNumber,
				"currency":  KindString,
				"is_frozen": KindBool,
			}),
			Required:  []string{"id", "owner_id"},
			Financial: true,
		},
		{
			Type: TypeInsuranceClaim,
			Fields: base(map[string]FieldKind{
				"patient_id":     KindUUID,
				"provider_id":    KindUUID,
				"policy_number":  KindString,
				"amount_claimed": KindNumber,
				"amount_paid":    KindNumber,
				"status":         KindString,
				"notes":          KindText,
			}),
			Required:   []string{"id", "patient_id", "policy_number"},
			SoftDelete: true,
			Critical:   true,
		},
	}
}

// DefaultRegistry returns a registry with every built-in entity type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, schema := range DefaultSchemas() {
		var h Handler
		if schema.Type == TypeTransaction {
			h = NewStructHandler[Transaction](schema)
		} else {
			h = NewSchemaHandler(schema)
		}
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
	return r
}
