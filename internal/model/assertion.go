package model

import (
	"fmt"
	"regexp"
	"strings"
)

// AssertionType is the kind of identity-provider assertion submitted at
// activation time.
type AssertionType string

const (
	AssertionTypeSAML AssertionType = "SAML"
	AssertionTypeOIDC AssertionType = "OIDC"
)

// ParseAssertionType validates an assertion type label.
func ParseAssertionType(s string) (AssertionType, error) {
	switch AssertionType(s) {
	case AssertionTypeSAML, AssertionTypeOIDC:
		return AssertionType(s), nil
	}
	return "", fmt.Errorf("unknown assertion type %q", s)
}

var fiscalCodePattern = regexp.MustCompile(
	`^[A-Z]{6}[0-9LMNPQRSTUV]{2}[ABCDEHLMPRST][0-9LMNPQRSTUV]{2}[A-Z][0-9LMNPQRSTUV]{3}[A-Z]$`)

// FiscalCode is an Italian national fiscal code.
type FiscalCode string

// ParseFiscalCode validates a fiscal code against the national pattern.
func ParseFiscalCode(s string) (FiscalCode, error) {
	if !fiscalCodePattern.MatchString(s) {
		return "", fmt.Errorf("malformed fiscal code %q", s)
	}
	return FiscalCode(s), nil
}

// AssertionFileName is the deterministic blob name an assertion is stored
// under: "<fiscalCode>-<assertionRef>".
type AssertionFileName string

// NewAssertionFileName builds the blob name for a fiscal code and
// assertion ref pair.
func NewAssertionFileName(fiscalCode FiscalCode, ref AssertionRef) (AssertionFileName, error) {
	name := fmt.Sprintf("%s-%s", fiscalCode, ref)
	return ParseAssertionFileName(name)
}

// ParseAssertionFileName validates the "<fiscalCode>-<assertionRef>"
// format.
func ParseAssertionFileName(s string) (AssertionFileName, error) {
	code, ref, ok := strings.Cut(s, "-")
	if !ok {
		return "", fmt.Errorf("malformed assertion file name %q", s)
	}
	if _, err := ParseFiscalCode(code); err != nil {
		return "", fmt.Errorf("malformed assertion file name %q: %w", s, err)
	}
	if _, err := ParseAssertionRef(ref); err != nil {
		return "", fmt.Errorf("malformed assertion file name %q: %w", s, err)
	}
	return AssertionFileName(s), nil
}
