package slot

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/vss/internal/domain"
)

// RegistrationStore — запись регистраций SIP identity.
type RegistrationStore interface {
	UpsertRegistration(ctx context.Context, slotID string, identity domain.SIPIdentity, at time.Time) (*domain.Registration, error)
}

// StoreRegistrar фиксирует регистрацию в хранилище.
// Повторная регистрация увеличивает счётчик, а не создаёт запись.
type StoreRegistrar struct {
	store RegistrationStore
}

// NewStoreRegistrar создаёт StoreRegistrar.
func NewStoreRegistrar(store RegistrationStore) *StoreRegistrar {
	return &StoreRegistrar{store: store}
}

func (r *StoreRegistrar) Register(ctx context.Context, slot *domain.Slot) (*domain.Registration, error) {
	if slot.SIP == nil {
		return nil, fmt.Errorf("%w: slot %s", ErrNoIdentity, slot.ID)
	}
	reg, err := r.store.UpsertRegistration(ctx, slot.ID, *slot.SIP, time.Now())
	if err != nil {
		return nil, fmt.Errorf("upsert registration: %w", err)
	}
	return reg, nil
}
