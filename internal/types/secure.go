package types

const redacted = "***REDACTED***"

// SecretString holds a credential (API key, DSN, bearer token) that must not
// show up in logs or serialized output. fmt and encoding/json both see the
// redacted placeholder; only Unmask returns the real value.
type SecretString string

func (s SecretString) String() string { return redacted }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Unmask returns the plaintext. Call it only at the point of use: an auth
// header, a connection string.
func (s SecretString) Unmask() string {
	return string(s)
}
