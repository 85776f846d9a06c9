package eventconsumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateSourceUrl(t *testing.T) {
	tests := []struct {
		host   string
		cursor int64
		dev    bool
		want   string
	}{
		{"gate.example.com", 0, false, "wss://gate.example.com/events"},
		{"localhost:6555", 0, true, "ws://localhost:6555/events"},
		{"localhost:6555", 42, true, "ws://localhost:6555/events?cursor=42"},
		{"http://127.0.0.1:6555/", 0, false, "ws://127.0.0.1:6555/events"},
		{"https://ci.example.com/gate", 7, false, "wss://ci.example.com/gate/events?cursor=7"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			u, err := NewGateSource(tt.host).Url(tt.cursor, tt.dev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestGateSourceRejectsOtherSchemes(t *testing.T) {
	_, err := NewGateSource("ftp://example.com").Url(0, false)
	assert.Error(t, err)
}
