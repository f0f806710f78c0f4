package authcore

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// PasswordPolicy is the strength policy applied to every new password:
// registration, change, and reset alike.
type PasswordPolicy struct {
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSymbol    bool
}

// DefaultPasswordPolicy matches the platform default: 8+ characters with all
// four character classes.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        8,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSymbol:    true,
	}
}

// Check returns an ErrPasswordPolicy wrap naming the first violation, or nil.
// Length is counted in runes, not bytes.
func (p PasswordPolicy) Check(plaintext string) error {
	if utf8.RuneCountInString(plaintext) < p.MinLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrPasswordPolicy, p.MinLength)
	}

	var upper, lower, digit, symbol bool
	for _, r := range plaintext {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}

	switch {
	case p.RequireUppercase && !upper:
		return fmt.Errorf("%w: missing uppercase character", ErrPasswordPolicy)
	case p.RequireLowercase && !lower:
		return fmt.Errorf("%w: missing lowercase character", ErrPasswordPolicy)
	case p.RequireDigit && !digit:
		return fmt.Errorf("%w: missing digit", ErrPasswordPolicy)
	case p.RequireSymbol && !symbol:
		return fmt.Errorf("%w: missing symbol", ErrPasswordPolicy)
	}
	return nil
}
