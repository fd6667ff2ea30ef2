// Package country canonicalises the country dimension of visit events.
package country

import (
	"strings"
	"sync"

	"github.com/pariz/gountries"
)

// Unknown is stored when a visit has no resolvable ISO country code.
const Unknown = "Unknown"

var (
	queryOnce sync.Once
	query     *gountries.Query
)

func countries() *gountries.Query {
	queryOnce.Do(func() {
		query = gountries.New()
	})
	return query
}

// Normalize returns the upper-case ISO 3166-1 alpha-2 code for code, accepting
// alpha-2 or alpha-3 input. Anything that is not a known country maps to Unknown.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 && len(code) != 3 {
		return Unknown
	}
	c, err := countries().FindCountryByAlpha(code)
	if err != nil || c.Codes.Alpha2 == "" {
		return Unknown
	}
	return strings.ToUpper(c.Codes.Alpha2)
}

// Name returns the common English name for an alpha-2 code, or the code itself
// when it is not a country.
func Name(code string) string {
	if code == "" || code == Unknown {
		return Unknown
	}
	c, err := countries().FindCountryByAlpha(code)
	if err != nil || c.Name.Common == "" {
		return code
	}
	return c.Name.Common
}
