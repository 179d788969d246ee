package ingest

import (
	"net/http"
	"strings"
)

// HeaderAPIKey carries the device key in its plain form.
const HeaderAPIKey = "X-API-Key"

// CredentialSource records where a key was presented.
type CredentialSource string

const (
	SourceAPIKey CredentialSource = "x-api-key"
	SourceBearer CredentialSource = "bearer"
	SourceMQTT   CredentialSource = "mqtt"
)

// Credentials is the key presented with a submission. Ambiguous is set when
// more than one accepted form was supplied.
type Credentials struct {
	Key       string
	Source    CredentialSource
	Ambiguous bool
}

// Present reports whether any key was supplied.
func (c Credentials) Present() bool {
	return c.Key != "" || c.Ambiguous
}

// CredentialsFromHeader extracts the key from exactly one of X-API-Key or
// "Authorization: Bearer". Other Authorization schemes are not a device
// credential and are ignored.
func CredentialsFromHeader(h http.Header) Credentials {
	apiKey := strings.TrimSpace(h.Get(HeaderAPIKey))
	bearer := bearerToken(h.Get("Authorization"))

	switch {
	case apiKey != "" && bearer != "":
		return Credentials{Ambiguous: true}
	case apiKey != "":
		return Credentials{Key: apiKey, Source: SourceAPIKey}
	case bearer != "":
		return Credentials{Key: bearer, Source: SourceBearer}
	}
	return Credentials{}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
