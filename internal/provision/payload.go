package provision

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidCredentials wraps every Validate failure.
var ErrInvalidCredentials = errors.New("provision: invalid credentials")

// Credentials is the Wi-Fi network handed to the device. It is never logged.
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// Limits from IEEE 802.11: SSIDs are at most 32 octets, a PSK is 64 hex digits.
const (
	MaxSSIDBytes     = 32
	MaxPasswordBytes = 64
)

// Validate checks the credentials fit what the firmware can store.
func (c Credentials) Validate() error {
	if c.SSID == "" {
		return fmt.Errorf("%w: ssid must not be empty", ErrInvalidCredentials)
	}
	if len(c.SSID) > MaxSSIDBytes {
		return fmt.Errorf("%w: ssid is %d bytes, max %d", ErrInvalidCredentials, len(c.SSID), MaxSSIDBytes)
	}
	if len(c.Password) > MaxPasswordBytes {
		return fmt.Errorf("%w: password is %d bytes, max %d", ErrInvalidCredentials, len(c.Password), MaxPasswordBytes)
	}
	if !utf8.ValidString(c.SSID) || !utf8.ValidString(c.Password) {
		return fmt.Errorf("%w: must be valid UTF-8", ErrInvalidCredentials)
	}
	return nil
}

// Encoding is the transport representation of the JSON document.
type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingRaw    Encoding = "raw"
)

// MarshalCredentials renders the compact JSON document
// {"ssid":"...","password":"..."} with no HTML escaping.
func MarshalCredentials(c Credentials) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("provision: marshal credentials: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EncodePayload builds the bytes written to the credentials characteristic.
func EncodePayload(c Credentials, enc Encoding) ([]byte, error) {
	doc, err := MarshalCredentials(c)
	if err != nil {
		return nil, err
	}
	switch enc {
	case EncodingBase64, "":
		out := make([]byte, base64.StdEncoding.EncodedLen(len(doc)))
		base64.StdEncoding.Encode(out, doc)
		return out, nil
	case EncodingRaw:
		return doc, nil
	default:
		return nil, fmt.Errorf("provision: unknown payload encoding %q", enc)
	}
}
