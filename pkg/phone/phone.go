package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

const DefaultRegion = "KE"

var ErrInvalidNumber = errors.New("invalid phone number")

// NormalizeMSISDN turns local or international input such as "0712 345 678"
// or "+254712345678" into the digits-only form M-Pesa expects (254712345678).
func NormalizeMSISDN(raw, region string) (string, error) {
	if region == "" {
		region = DefaultRegion
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidNumber
	}
	// Bare 2547... numbers carry the country code without the plus sign.
	if strings.HasPrefix(raw, "254") && len(raw) == 12 {
		raw = "+" + raw
	}
	p, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNumber, err)
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", ErrInvalidNumber
	}
	e164 := libphonenumber.Format(p, libphonenumber.E164)
	return strings.TrimPrefix(e164, "+"), nil
}
