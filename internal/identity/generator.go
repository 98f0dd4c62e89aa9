// Package identity mints canonical ingredient ids.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ingredient-fusion/internal/ingredient"
	"github.com/sells-group/ingredient-fusion/internal/textnorm"
)

const (
	idPrefix        = "ING"
	genericCategory = "GEN"
	digestLen       = 6
	suffixLen       = 4
	prefixLen       = 3
)

// Lookup reads a record by id regardless of its active state.
// ingredient.Tx satisfies it.
type Lookup interface {
	Get(ctx context.Context, canonicalID string) (*ingredient.CanonicalIngredient, error)
}

// Generate returns the deterministic candidate id for name within category:
// ING-{category prefix}-{first 6 hex of sha256(normalized name)}.
func Generate(name, category string) string {
	sum := sha256.Sum256([]byte(textnorm.Normalize(name)))
	return idPrefix + "-" + CategoryPrefix(category) + "-" + hex.EncodeToString(sum[:])[:digestLen]
}

// CategoryPrefix returns the first three ASCII letters or digits of category,
// upper-cased, or GEN when there are none.
func CategoryPrefix(category string) string {
	var b strings.Builder
	for _, r := range category {
		if b.Len() == prefixLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return genericCategory
	}
	return b.String()
}

// EnsureUnique checks candidate against the store. An unbound candidate is
// returned unchanged. A candidate already held by an active record with the
// same normalized name is also returned unchanged: that record is a concurrent
// creation of the same ingredient, and the insert is left to hit the
// uniqueness constraint so the caller retries as a lookup. Any other binding
// gets a random 4-character disambiguator.
func EnsureUnique(ctx context.Context, lookup Lookup, candidate, normalizedName string) (string, error) {
	id := candidate
	for attempt := 0; attempt < 8; attempt++ {
		existing, err := lookup.Get(ctx, id)
		if err != nil {
			return "", eris.Wrapf(err, "identity: check %s", id)
		}
		if existing == nil {
			return id, nil
		}
		if existing.IsActive && existing.NormalizedName == normalizedName {
			return id, nil
		}
		id = candidate + disambiguator()
	}
	return "", eris.Wrapf(ingredient.ErrIdentityConflict, "identity: no free id for %s", candidate)
}

func disambiguator() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}
