// Package phone normalizes and compares phone numbers to the E.164 form the
// rest of the gateway uses as its canonical identity key.
package phone

import (
	"errors"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalid is returned when a phone number cannot be parsed or validated.
var ErrInvalid = errors.New("invalid phone number")

// Normalize parses and validates a phone number using libphonenumber,
// returning its E.164 form and ISO 3166-1 alpha-2 country code. It requires a
// leading '+' — there is no default region, so numbers without a country
// code are rejected rather than guessed.
func Normalize(raw string) (e164 string, countryCode string, err error) {
	if !preScreen(raw) {
		return "", "", ErrInvalid
	}

	num, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", "", ErrInvalid
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", "", ErrInvalid
	}

	e164 = phonenumbers.Format(num, phonenumbers.E164)
	countryCode = phonenumbers.GetRegionCodeForNumber(num)
	return e164, countryCode, nil
}

// preScreen rejects non-ASCII input, any character other than digits,
// spaces, '-', '(', ')', '.' and '+', and input without exactly one '+',
// before handing off to libphonenumber. The position of the '+' is not
// checked here.
func preScreen(input string) bool {
	plusCount := 0
	for _, r := range input {
		switch {
		case r == '+':
			plusCount++
		case r >= '0' && r <= '9', r == ' ', r == '-', r == '(', r == ')', r == '.':
			// ok
		default:
			return false
		}
	}
	return plusCount == 1
}

// Equal reports whether two raw phone numbers normalize to the same E.164
// identity. Invalid input on either side is never equal to anything.
func Equal(a, b string) bool {
	ea, _, err := Normalize(a)
	if err != nil {
		return false
	}
	eb, _, err := Normalize(b)
	if err != nil {
		return false
	}
	return ea == eb
}

// IsAllowedCountry checks whether an already-normalized E.164 number's
// country matches one of the allowed country codes. An empty allowed list
// permits all countries.
func IsAllowedCountry(e164 string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	num, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return false
	}
	region := phonenumbers.GetRegionCodeForNumber(num)
	if region == "" {
		return false
	}
	for _, code := range allowed {
		if code == region {
			return true
		}
	}
	return false
}
