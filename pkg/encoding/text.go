package encoding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

// ToUTF8 converts bytes that are not valid UTF-8 from Windows-1252, which is
// what older WordPress installs still store in some meta tables.
// Valid UTF-8 input is returned unchanged.
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "")
	}
	return string(decoded)
}

// Clean returns s as NFC with runs of whitespace collapsed to one space.
// Names built from storefront text are used as ERP lookup keys, so
// "Clase  Aquagym" and a decomposed "Clase Aquagym" must come out identical.
func Clean(s string) string {
	s = ToUTF8([]byte(s))
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Email lowercases and trims an address for use as the customer natural key.
func Email(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}
