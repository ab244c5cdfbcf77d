package routine

import "github.com/google/uuid"

// UUIDProvider generates UUIDv4 identifiers for routine rows.
type UUIDProvider struct{}

// NewUUIDProvider returns a UUID-backed id provider.
func NewUUIDProvider() UUIDProvider {
	return UUIDProvider{}
}

// NewID produces a new identifier.
func (UUIDProvider) NewID() (string, error) {
	generated, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return generated.String(), nil
}
