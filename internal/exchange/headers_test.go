package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersRoundTrip(t *testing.T) {
	in := map[string]string{
		"Message-ID":   "<m1@org1>",
		"AS2-From":     "org1",
		"AS2-To":       "partner1",
		"Content-Type": "application/edi-x12",
	}

	decoded, err := DecodeHeaders(EncodeHeaders(in))
	require.NoError(t, err)

	assert.Equal(t, "<m1@org1>", decoded["message-id"])
	assert.Equal(t, "org1", decoded["as2-from"])
	assert.Equal(t, "partner1", decoded["as2-to"])
	assert.Equal(t, "application/edi-x12", decoded["content-type"])
}

func TestEncodeHeadersStable(t *testing.T) {
	in := map[string]string{"b": "2", "a": "1", "c": "3"}
	assert.Equal(t, string(EncodeHeaders(in)), string(EncodeHeaders(in)))
	assert.Equal(t, "a: 1\r\nb: 2\r\nc: 3\r\n\r\n", string(EncodeHeaders(in)))
}

func TestRawMessage(t *testing.T) {
	raw := RawMessage(map[string]string{"message-id": "<m1@org1>"}, []byte("body-bytes"))
	assert.Equal(t, "message-id: <m1@org1>\r\n\r\nbody-bytes", string(raw))
}
