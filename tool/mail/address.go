// Package mail implements the email agent's tools: address validation,
// credential status and draft creation through a DraftService. The Gmail
// implementation of DraftService talks to the Gmail API with the access token
// supplied by the credential manager.
package mail

import (
	"regexp"
	"strings"

	"github.com/hupe1980/researchmail/internal/util"
)

const (
	maxAddressLength = 254 // RFC 5321
	maxDomainLength  = 253
)

var (
	addressPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

	suspiciousDomain = []*regexp.Regexp{
		regexp.MustCompile(`\.\.`),
		regexp.MustCompile(`--`),
		regexp.MustCompile(`^-`),
		regexp.MustCompile(`-$`),
		regexp.MustCompile(`\.$`),
		regexp.MustCompile(`^\.`),
	}
)

// AddressReport is the outcome of validating a list of addresses.
type AddressReport struct {
	Valid           []string `json:"valid_emails"`
	Invalid         []string `json:"invalid_emails"`
	Suspicious      []string `json:"suspicious_emails"`
	TotalValid      int      `json:"total_valid"`
	TotalInvalid    int      `json:"total_invalid"`
	TotalSuspicious int      `json:"total_suspicious"`
}

// ValidateAddresses classifies each address as valid, invalid or suspicious.
// Addresses are sanitized before matching; the report lists sanitized forms.
func ValidateAddresses(addrs []string) AddressReport {
	r := AddressReport{Valid: []string{}, Invalid: []string{}, Suspicious: []string{}}

	for _, a := range addrs {
		a = util.SanitizeInput(a, maxAddressLength)

		switch classifyAddress(a) {
		case addressValid:
			r.Valid = append(r.Valid, a)
		case addressSuspicious:
			r.Suspicious = append(r.Suspicious, a)
		default:
			r.Invalid = append(r.Invalid, a)
		}
	}

	r.TotalValid = len(r.Valid)
	r.TotalInvalid = len(r.Invalid)
	r.TotalSuspicious = len(r.Suspicious)

	return r
}

type addressClass int

const (
	addressInvalid addressClass = iota
	addressValid
	addressSuspicious
)

func classifyAddress(a string) addressClass {
	if len(a) > maxAddressLength || !addressPattern.MatchString(a) {
		return addressInvalid
	}

	domain := a[strings.LastIndex(a, "@")+1:]
	if len(domain) > maxDomainLength {
		return addressInvalid
	}

	for _, p := range suspiciousDomain {
		if p.MatchString(domain) {
			return addressSuspicious
		}
	}

	return addressValid
}
