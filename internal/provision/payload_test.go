package provision

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEncodePayloadRoundTrip(t *testing.T) {
	payload, err := EncodePayload(Credentials{SSID: "HomeNet", Password: "s3cret!"}, EncodingBase64)
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}

	doc, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	want := `{"ssid":"HomeNet","password":"s3cret!"}`
	if string(doc) != want {
		t.Errorf("decoded payload = %s, want %s", doc, want)
	}

	got, err := decodePayload(payload, EncodingBase64)
	if err != nil {
		t.Fatalf("decodePayload() error = %v", err)
	}
	if got.SSID != "HomeNet" || got.Password != "s3cret!" {
		t.Errorf("decodePayload() = %+v", got)
	}
}

func TestMarshalCredentialsNoHTMLEscaping(t *testing.T) {
	doc, err := MarshalCredentials(Credentials{SSID: "Café <5G>", Password: `a&b"c`})
	if err != nil {
		t.Fatalf("MarshalCredentials() error = %v", err)
	}
	want := `{"ssid":"Café <5G>","password":"a&b\"c"}`
	if string(doc) != want {
		t.Errorf("MarshalCredentials() = %s, want %s", doc, want)
	}
}

func TestEncodePayloadRaw(t *testing.T) {
	payload, err := EncodePayload(Credentials{SSID: "HomeNet", Password: ""}, EncodingRaw)
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}
	if string(payload) != `{"ssid":"HomeNet","password":""}` {
		t.Errorf("raw payload = %s", payload)
	}
}

func TestEncodePayloadUnknownEncoding(t *testing.T) {
	if _, err := EncodePayload(Credentials{SSID: "x"}, "hex"); err == nil {
		t.Error("EncodePayload() should reject unknown encodings")
	}
}

func TestDecodePayloadRejectsExtraFields(t *testing.T) {
	extra := base64.StdEncoding.EncodeToString([]byte(`{"ssid":"a","password":"b","bssid":"c"}`))
	if _, err := decodePayload([]byte(extra), EncodingBase64); err == nil {
		t.Error("decodePayload() should reject unknown fields")
	}
	if _, err := decodePayload([]byte("not base64!"), EncodingBase64); err == nil {
		t.Error("decodePayload() should reject invalid base64")
	}
}

func TestCredentialsValidate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{"valid", Credentials{SSID: "HomeNet", Password: "s3cret!"}, false},
		{"open network", Credentials{SSID: "Cafe"}, false},
		{"max ssid", Credentials{SSID: strings.Repeat("s", 32)}, false},
		{"max password", Credentials{SSID: "a", Password: strings.Repeat("f", 64)}, false},
		{"empty ssid", Credentials{Password: "x"}, true},
		{"long ssid", Credentials{SSID: strings.Repeat("s", 33)}, true},
		{"long password", Credentials{SSID: "a", Password: strings.Repeat("p", 65)}, true},
		{"invalid utf8", Credentials{SSID: "a\xffb"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("Validate() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestDerivePSK(t *testing.T) {
	// IEEE 802.11i-2004 Annex H.4 test vector.
	got := DerivePSK("IEEE", "password")
	want := "f42c6fc52df0ebef9ebb4b90b38a5f902e83fe1b135a70e23aed762e9710a12e"
	if got != want {
		t.Errorf("DerivePSK() = %s, want %s", got, want)
	}
}

func TestIsPassphrase(t *testing.T) {
	tests := []struct {
		password string
		want     bool
	}{
		{"", false},
		{"short", false},
		{"eightchr", true},
		{strings.Repeat("p", 63), true},
		{strings.Repeat("f", 64), false},
	}
	for _, tt := range tests {
		if got := isPassphrase(tt.password); got != tt.want {
			t.Errorf("isPassphrase(%d bytes) = %v, want %v", len(tt.password), got, tt.want)
		}
	}
}

// decodePayload is the inverse of EncodePayload, mirroring the firmware's
// parser. Unknown fields are rejected.
func decodePayload(data []byte, enc Encoding) (Credentials, error) {
	doc := data
	switch enc {
	case EncodingBase64, "":
		doc = make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(doc, data)
		if err != nil {
			return Credentials{}, fmt.Errorf("provision: decode base64 payload: %w", err)
		}
		doc = doc[:n]
	case EncodingRaw:
	default:
		return Credentials{}, fmt.Errorf("provision: unknown payload encoding %q", enc)
	}

	var c Credentials
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Credentials{}, fmt.Errorf("provision: decode payload: %w", err)
	}
	return c, nil
}
