package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI(t *testing.T) {
	var buf bytes.Buffer
	w := StripANSI(&buf)

	in := []byte("\x1b[1mwould reformat\x1b[0m \x1b[31mapp.py\x1b[0m\n")
	n, err := w.Write(in)
	assert.NoError(t, err)
	assert.Equal(t, len(in), n)
	assert.Equal(t, "would reformat app.py\n", buf.String())
}
