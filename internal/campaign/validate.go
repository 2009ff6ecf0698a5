package campaign

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/messaging-fleet/internal/model"
)

// PhoneRule is the accepted recipient number shape: digits only, a fixed
// length and a required country-code prefix.
type PhoneRule struct {
	CountryCode string
	Length      int
}

func (r PhoneRule) tag() string {
	return fmt.Sprintf("required,number,len=%d,startswith=%s", r.Length, r.CountryCode)
}

type Validator struct {
	v    *validator.Validate
	rule PhoneRule
}

func NewValidator(rule PhoneRule) *Validator {
	if rule.CountryCode == "" {
		rule.CountryCode = "57"
	}
	if rule.Length <= 0 {
		rule.Length = 12
	}
	return &Validator{v: validator.New(), rule: rule}
}

// Validate rejects the whole submission when any recipient is malformed.
func (v *Validator) Validate(recipients []model.Recipient, content model.Content) error {
	if content.Empty() {
		return ErrNoContent
	}
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	tag := v.rule.tag()
	var bad []InvalidRecipient
	for i, r := range recipients {
		if err := v.v.Var(r.Phone, tag); err != nil {
			bad = append(bad, InvalidRecipient{Index: i, Phone: r.Phone, Reason: v.reason(err)})
		}
	}
	if len(bad) > 0 {
		return &InvalidRecipientsError{Entries: bad}
	}
	return nil
}

func (v *Validator) reason(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	switch verrs[0].Tag() {
	case "required":
		return "phone is required"
	case "number":
		return "phone must contain digits only"
	case "len":
		return fmt.Sprintf("phone must have %d digits", v.rule.Length)
	case "startswith":
		return fmt.Sprintf("phone must start with %s", v.rule.CountryCode)
	default:
		return verrs[0].Error()
	}
}
