package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	type frame struct {
		Name string     `json:"name"`
		Data RawMessage `json:"data,omitempty"`
	}

	bs, err := Marshal(frame{Name: "chat", Data: RawMessage(`{"message":"hi"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"chat","data":{"message":"hi"}}`, string(bs))

	var out frame
	require.NoError(t, Unmarshal(bs, &out))
	assert.Equal(t, "chat", out.Name)
	assert.JSONEq(t, `{"message":"hi"}`, string(out.Data))

	assert.True(t, Valid(bs))
	assert.False(t, Valid([]byte("{")))
}
