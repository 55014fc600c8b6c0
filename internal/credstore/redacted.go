package credstore

// Redacted wraps a secret string to prevent accidental logging.
//
// It implements fmt.Stringer, fmt.GoStringer, and the text/JSON
// marshalers to return "[REDACTED]" instead of the value, so a secret
// that ends up in a log attribute or a %+v dump never leaks.
//
//	secret := credstore.NewRedacted("bearer-value")
//	fmt.Println(secret)     // prints: [REDACTED]
//	secret.Value()          // returns: "bearer-value"
type Redacted struct {
	value string
}

// NewRedacted wraps the given secret value.
func NewRedacted(value string) Redacted {
	return Redacted{value: value}
}

// Value returns the actual secret. Use only when building an
// Authorization header or equivalent; never log the result.
func (r Redacted) Value() string {
	return r.value
}

// IsEmpty reports whether no secret is held.
func (r Redacted) IsEmpty() bool {
	return r.value == ""
}

func (r Redacted) String() string {
	return "[REDACTED]"
}

func (r Redacted) GoString() string {
	return "credstore.Redacted{[REDACTED]}"
}

// MarshalText implements encoding.TextMarshaler.
func (r Redacted) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

// MarshalJSON implements json.Marshaler.
func (r Redacted) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}
