package fusion

import (
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingredient-fusion/internal/ingredient"
	"github.com/sells-group/ingredient-fusion/internal/textnorm"
)

// Input limits.
const (
	maxExternalIDLen = 128
	maxNameLen       = 256
	maxCategoryLen   = 64
	maxUnitLen       = 32

	DefaultPageSize   = 50
	MaxPageSize       = 500
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

var sourcePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

func invalid(format string, args ...any) error {
	return eris.Wrapf(ingredient.ErrInvalidInput, format, args...)
}

// cleanSource trims and lower-cases a source system name.
func cleanSource(source string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(source))
	if !sourcePattern.MatchString(s) {
		return "", invalid("source_system %q must match [a-z0-9_-]{1,64}", source)
	}
	return s, nil
}

func cleanName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if utf8.RuneCountInString(n) > maxNameLen {
		return "", invalid("name longer than %d characters", maxNameLen)
	}
	if textnorm.Normalize(n) == "" {
		return "", invalid("name %q is empty after normalization", name)
	}
	return n, nil
}

func cleanLabel(field, value string, limit int) (string, error) {
	v := strings.TrimSpace(value)
	if utf8.RuneCountInString(v) > limit {
		return "", invalid("%s longer than %d characters", field, limit)
	}
	for _, r := range v {
		if unicode.IsControl(r) {
			return "", invalid("%s contains control characters", field)
		}
	}
	return v, nil
}

func checkCost(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return invalid("cost %v must be a finite non-negative number", v)
	}
	return nil
}

func checkUnitInterval(field string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return invalid("%s %v must be within [0,1]", field, v)
	}
	return nil
}

// cleanRequest validates req and returns its canonical form. An empty
// SubmittedBy defaults to the source system so every record has an owner.
func cleanRequest(req ResolveRequest) (ResolveRequest, error) {
	var err error
	if req.SourceSystem, err = cleanSource(req.SourceSystem); err != nil {
		return req, err
	}
	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.ExternalID == "" {
		return req, invalid("external_id is required")
	}
	if utf8.RuneCountInString(req.ExternalID) > maxExternalIDLen {
		return req, invalid("external_id longer than %d characters", maxExternalIDLen)
	}
	if req.Name, err = cleanName(req.Name); err != nil {
		return req, err
	}
	if req.Category, err = cleanLabel("category", req.Category, maxCategoryLen); err != nil {
		return req, err
	}
	if req.Unit, err = cleanLabel("unit", req.Unit, maxUnitLen); err != nil {
		return req, err
	}
	if req.Cost != nil {
		if err := checkCost(*req.Cost); err != nil {
			return req, err
		}
		v := *req.Cost
		req.Cost = &v
	}
	req.SubmittedBy = strings.TrimSpace(req.SubmittedBy)
	if req.SubmittedBy == "" {
		req.SubmittedBy = req.SourceSystem
	}
	return req, nil
}

func requireID(field, id string) (string, error) {
	v := strings.TrimSpace(id)
	if v == "" {
		return "", invalid("%s is required", field)
	}
	return v, nil
}
