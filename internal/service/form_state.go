package service

import (
	"fmt"
	"regexp"
	"strings"

	"checkout-service/internal/models"
)

// Shipping form field names, as the storefront posts them.
const (
	FieldName        = "name"
	FieldEmail       = "email"
	FieldPhone       = "phone"
	FieldAddressLine = "address_line"
	FieldCity        = "city"
	FieldState       = "state"
	FieldPostalCode  = "postal_code"
)

var (
	phonePattern  = regexp.MustCompile(`^[6-9]\d{9}$`)
	postalPattern = regexp.MustCompile(`^\d{6}$`)
	emailPattern  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	nonDigits     = regexp.MustCompile(`\D`)
)

// FieldError is a single field-level validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult of a CheckoutFormState.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// CheckoutFormState holds the shipping contact being edited.
type CheckoutFormState struct {
	contact models.ShippingContact
}

func NewCheckoutFormState() *CheckoutFormState {
	return &CheckoutFormState{}
}

// Contact returns the current contact.
func (f *CheckoutFormState) Contact() models.ShippingContact {
	return f.contact
}

// SetField stores value under name. Phone keeps its first 10 digits and
// postal code its first 6; everything else is stored as given.
func (f *CheckoutFormState) SetField(name, value string) error {
	switch name {
	case FieldName:
		f.contact.Name = value
	case FieldEmail:
		f.contact.Email = value
	case FieldPhone:
		f.contact.Phone = digitsOnly(value, 10)
	case FieldAddressLine:
		f.contact.AddressLine = value
	case FieldCity:
		f.contact.City = value
	case FieldState:
		f.contact.State = value
	case FieldPostalCode:
		f.contact.PostalCode = digitsOnly(value, 6)
	default:
		return fmt.Errorf("%w: unknown field %q", ErrValidation, name)
	}
	return nil
}

// SetContact applies every field of c through SetField.
func (f *CheckoutFormState) SetContact(c models.ShippingContact) {
	_ = f.SetField(FieldName, c.Name)
	_ = f.SetField(FieldEmail, c.Email)
	_ = f.SetField(FieldPhone, c.Phone)
	_ = f.SetField(FieldAddressLine, c.AddressLine)
	_ = f.SetField(FieldCity, c.City)
	_ = f.SetField(FieldState, c.State)
	_ = f.SetField(FieldPostalCode, c.PostalCode)
}

// Validate checks every field and reports all problems at once.
func (f *CheckoutFormState) Validate() ValidationResult {
	var errs []FieldError
	required := func(field, value, label string) bool {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, FieldError{Field: field, Message: label + " is required"})
			return false
		}
		return true
	}

	c := f.contact
	required(FieldName, c.Name, "Name")
	if required(FieldEmail, c.Email, "Email") && !emailPattern.MatchString(strings.TrimSpace(c.Email)) {
		errs = append(errs, FieldError{Field: FieldEmail, Message: "Enter a valid email address"})
	}
	if required(FieldPhone, c.Phone, "Phone number") && !phonePattern.MatchString(c.Phone) {
		errs = append(errs, FieldError{Field: FieldPhone, Message: "Enter a valid 10-digit mobile number"})
	}
	required(FieldAddressLine, c.AddressLine, "Address")
	required(FieldCity, c.City, "City")
	required(FieldState, c.State, "State")
	if required(FieldPostalCode, c.PostalCode, "PIN code") && !postalPattern.MatchString(c.PostalCode) {
		errs = append(errs, FieldError{Field: FieldPostalCode, Message: "Enter a valid 6-digit PIN code"})
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// trimmed returns the contact with surrounding whitespace removed, as it is
// stored on the order.
func (f *CheckoutFormState) trimmed() models.ShippingContact {
	c := f.contact
	return models.ShippingContact{
		Name:        strings.TrimSpace(c.Name),
		Email:       strings.TrimSpace(c.Email),
		Phone:       c.Phone,
		AddressLine: strings.TrimSpace(c.AddressLine),
		City:        strings.TrimSpace(c.City),
		State:       strings.TrimSpace(c.State),
		PostalCode:  c.PostalCode,
	}
}

func digitsOnly(s string, max int) string {
	d := nonDigits.ReplaceAllString(s, "")
	if len(d) > max {
		d = d[:max]
	}
	return d
}
