package pg

import (
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// EncodeType is the short prefix identifying how a binary value was stored
// in a text column.
type EncodeType string

const (
	Base64            EncodeType = "b64"
	Base58            EncodeType = "b58"
	Hex               EncodeType = "hex"
	DefaultEncodeType            = Base64
)

var (
	ErrInvalidEncoding     = errors.New("invalid encoded value format")
	ErrUnsupportedEncoding = errors.New("unsupported encoding type")
)

// Encode encodes value in the given format (Base64 by default) and prefixes
// it with the encoding type.
func Encode(value []byte, encodeType ...EncodeType) string {
	encType := DefaultEncodeType
	if len(encodeType) > 0 {
		encType = encodeType[0]
	}

	var encoded string
	switch encType {
	case Base58:
		encoded = base58.Encode(value)
	case Hex:
		encoded = hex.EncodeToString(value)
	default:
		encType = Base64
		encoded = base64.StdEncoding.EncodeToString(value)
	}

	return string(encType) + ":" + encoded
}

// Decode reverses Encode, picking the decoder from the value's prefix.
func Decode(value string) ([]byte, error) {
	prefix, encoded, ok := strings.Cut(value, ":")
	if !ok {
		return nil, ErrInvalidEncoding
	}

	switch EncodeType(prefix) {
	case Base58:
		return base58.Decode(encoded)
	case Hex:
		return hex.DecodeString(encoded)
	case Base64:
		return base64.StdEncoding.DecodeString(encoded)
	default:
		return nil, ErrUnsupportedEncoding
	}
}

func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// TimeFromNull returns nil for NULL columns.
func TimeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
