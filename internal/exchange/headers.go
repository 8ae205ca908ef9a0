package exchange

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"sort"
	"strings"
)

// EncodeHeaders renders a header map as "key: value" lines with a
// trailing blank line, the form stored in header blobs and replayed on
// async MDN flushes. Keys are sorted for stable blobs.
func EncodeHeaders(headers map[string]string) []byte {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", key, headers[key])
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// DecodeHeaders parses stored header lines back into a map with
// lowercased keys.
func DecodeHeaders(data []byte) (map[string]string, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(data, "\r\n\r\n"...))))
	mimeHeader, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("parsing stored headers: %w", err)
	}
	headers := make(map[string]string, len(mimeHeader))
	for key := range mimeHeader {
		headers[strings.ToLower(key)] = mimeHeader.Get(key)
	}
	return headers, nil
}

// RawMessage reassembles a wire image from HTTP headers and body for
// the codec, mirroring what the partner put on the wire.
func RawMessage(headers map[string]string, body []byte) []byte {
	raw := EncodeHeaders(headers)
	return append(raw, body...)
}
