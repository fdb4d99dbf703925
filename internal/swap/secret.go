package swap

import (
	"fmt"

	"github.com/Klingon-tech/swapengine/internal/storage"
	"github.com/Klingon-tech/swapengine/pkg/helpers"
)

// SecretSize is the preimage length in bytes.
const SecretSize = 32

// Secret is a preimage and its hash.
type Secret struct {
	Preimage      []byte
	Hash          []byte
	HashAlgorithm storage.HashAlgorithm
}

// GenerateSecret returns a random preimage and its hash under alg. Nothing
// is stored.
func GenerateSecret(alg string) (*Secret, error) {
	algorithm, err := storage.ParseHashAlgorithm(alg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	preimage, err := helpers.GenerateSecureRandom(SecretSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return &Secret{
		Preimage:      preimage,
		Hash:          algorithm.Sum(preimage),
		HashAlgorithm: algorithm,
	}, nil
}
