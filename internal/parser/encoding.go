package parser

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeCandidates is the detection order for non-UTF-8 text.
var decodeCandidates = []struct {
	name string
	enc  encoding.Encoding
}{
	{"gbk", simplifiedchinese.GBK},
	{"gb2312", simplifiedchinese.HZGB2312},
	{"big5", traditionalchinese.Big5},
	{"shift-jis", japanese.ShiftJIS},
	{"euc-kr", korean.EUCKR},
	{"iso-8859-1", charmap.ISO8859_1},
	{"cp1252", charmap.Windows1252},
	{"latin-1", charmap.ISO8859_1},
}

// DecodeText converts arbitrary text bytes to UTF-8. UTF-8 (with or
// without BOM) passes through; otherwise the candidate encodings are
// tried in order and the first clean decode wins. The final fallback is
// a lossy Latin-1 decode, which never fails.
func DecodeText(data []byte) (string, string) {
	if bytes.HasPrefix(data, utf8BOM) {
		trimmed := bytes.TrimPrefix(data, utf8BOM)
		if utf8.Valid(trimmed) {
			return string(trimmed), "utf-8-bom"
		}
		data = trimmed
	}
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}
	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) {
		if decoded, ok := decodeUTF16(data); ok {
			return decoded, "utf-16"
		}
	}
	for _, candidate := range decodeCandidates {
		decoded, err := candidate.enc.NewDecoder().Bytes(data)
		if err == nil && utf8.Valid(decoded) {
			return string(decoded), candidate.name
		}
	}
	decoded, _ := charmap.ISO8859_1.NewDecoder().Bytes(data)
	return string(decoded), "latin-1"
}

// LooksBinary reports whether data is unlikely to be text: a NUL byte
// in the first 8 KiB is the heuristic.
func LooksBinary(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

func decodeUTF16(data []byte) (string, bool) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	out, err := dec.Bytes(data)
	if err != nil || !utf8.Valid(out) {
		return "", false
	}
	return string(out), true
}
