// Package address validates checkout shipping addresses and debounces revalidation while the
// buyer is typing.
package address

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hanko-field/storefront/internal/domain"
)

const (
	minStreetLength  = 5
	minCityLength    = 2
	minStateLength   = 2
	minCountryLength = 2
)

var zipCodePattern = regexp.MustCompile(`^\d{5,6}$`)

// Validate evaluates every address field and reports its validity.
func Validate(addr domain.Address) domain.ValidityMap {
	return domain.ValidityMap{
		domain.FieldStreet:  minLength(addr.Street, minStreetLength),
		domain.FieldCity:    minLength(addr.City, minCityLength),
		domain.FieldState:   minLength(addr.State, minStateLength),
		domain.FieldZipCode: zipCodePattern.MatchString(strings.TrimSpace(addr.ZipCode)),
		domain.FieldCountry: minLength(addr.Country, minCountryLength),
	}
}

// IsComplete reports whether every field of the address is valid.
func IsComplete(addr domain.Address) bool {
	return Validate(addr).AllValid()
}

// ValidateField evaluates a single field. Unknown fields are reported invalid.
func ValidateField(field, value string) bool {
	switch field {
	case domain.FieldStreet:
		return minLength(value, minStreetLength)
	case domain.FieldCity:
		return minLength(value, minCityLength)
	case domain.FieldState:
		return minLength(value, minStateLength)
	case domain.FieldZipCode:
		return zipCodePattern.MatchString(strings.TrimSpace(value))
	case domain.FieldCountry:
		return minLength(value, minCountryLength)
	default:
		return false
	}
}

func minLength(value string, min int) bool {
	return utf8.RuneCountInString(strings.TrimSpace(value)) >= min
}
