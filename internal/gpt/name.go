package gpt

import (
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// decodeName transcodes a 72-byte on-disk UTF-16LE name field to a
// UTF-8 string, stopping at the first NUL code unit. gokrazy/tools'
// packer.partitionName only ever encodes (it never had to parse a
// name back), so the decode direction is new here; it uses
// golang.org/x/text/encoding/unicode for a conformant decoder rather
// than a hand-rolled loop (spec §3, "Name round-trip", §8 property 6).
// That decoder does not reject malformed UTF-16 such as unpaired
// surrogates: it substitutes U+FFFD for them, so only an over-long
// decoded name is an error here.
func decodeName(raw [NameUTF16Units * 2]byte) (string, error) {
	end := len(raw)
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i] == 0 && raw[i+1] == 0 {
			end = i
			break
		}
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw[:end])
	if err != nil {
		return "", fmt.Errorf("decode partition name: %w", err)
	}
	if len(out) > NameMaxUTF8Bytes-1 {
		return "", fmt.Errorf("decoded partition name exceeds %d bytes", NameMaxUTF8Bytes-1)
	}
	if !utf8.Valid(out) {
		return "", fmt.Errorf("decoded partition name is not valid UTF-8")
	}
	return string(out), nil
}

// encodeName transcodes a UTF-8 name (at most 36 Unicode code points,
// each within the BMP) into the 72-byte on-disk UTF-16LE field,
// matching gokrazy/tools' packer.partitionName.
func encodeName(name string) ([NameUTF16Units * 2]byte, error) {
	var out [NameUTF16Units * 2]byte
	runes := []rune(name)
	if len(runes) > NameUTF16Units {
		return out, fmt.Errorf("partition name %q has %d code points, maximum is %d", name, len(runes), NameUTF16Units)
	}
	for _, r := range runes {
		if r > 0xFFFF {
			return out, fmt.Errorf("partition name %q has a code point above U+FFFF, unsupported", name)
		}
	}
	units := utf16.Encode(runes)
	for i, u := range units {
		out[i*2] = byte(u)
		out[i*2+1] = byte(u >> 8)
	}
	return out, nil
}
