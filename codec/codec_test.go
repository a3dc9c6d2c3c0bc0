package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecsInteroperate(t *testing.T) {
	type payload struct {
		Table string `json:"table"`
		ID    int64  `json:"id"`
	}
	in := payload{Table: "events", ID: 7}

	for _, c := range []Codec{JSON{}, GoJSON{}} {
		data, err := c.Marshal(in)
		require.NoError(t, err)

		// Either codec reads what the other wrote.
		for _, d := range []Codec{JSON{}, GoJSON{}} {
			var out payload
			require.NoError(t, d.Unmarshal(data, &out))
			assert.Equal(t, in, out)
		}
	}
}

func TestByName(t *testing.T) {
	for _, c := range []Codec{JSON{}, GoJSON{}, Default} {
		got, ok := ByName(c.Name())
		require.True(t, ok)
		assert.Equal(t, c.Name(), got.Name())
	}
	_, ok := ByName("msgpack")
	assert.False(t, ok)
}
