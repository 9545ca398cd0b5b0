// Package ticketing holds the pure parts of ticket issuance: code generation
// and QR encoding. Nothing here touches storage or the network.
package ticketing

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	codePrefix       = "TKT"
	codeSuffixLength = 8
	codeAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewCode generates a ticket code: fixed prefix plus a random uppercase
// alphanumeric suffix. The suffix is drawn uniformly from a 36-symbol
// alphabet at length 8, so the space is 36^8 (~2.8e12); collisions are
// negligible at expected volumes and additionally rejected by the unique
// constraint on the ticket_code column.
func NewCode() (string, error) {
	buf := make([]byte, codeSuffixLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	var sb strings.Builder
	sb.Grow(len(codePrefix) + 1 + codeSuffixLength)
	sb.WriteString(codePrefix)
	sb.WriteByte('-')
	for _, b := range buf {
		sb.WriteByte(codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return sb.String(), nil
}

// QRImagePNG renders a code as a QR PNG.
func QRImagePNG(code string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}

// QRDataURI renders a code as an inline-displayable PNG data URI. This is the
// payload stored on each ticket; it is a pure function of the code.
func QRDataURI(code string) (string, error) {
	png, err := QRImagePNG(code, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// PNGFromDataURI recovers the raw PNG bytes from a stored QR payload.
func PNGFromDataURI(payload string) ([]byte, error) {
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(payload, prefix) {
		return nil, fmt.Errorf("payload is not a png data uri")
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(payload, prefix))
}
