package types

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretString_RedactsEverywhereButUnmask(t *testing.T) {
	s := SecretString("pk_live_s3cret")

	assert.NotContains(t, fmt.Sprintf("%v %s", s, s), "s3cret")

	out, err := json.Marshal(struct {
		Key SecretString `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"***REDACTED***"}`, string(out))

	assert.Equal(t, "pk_live_s3cret", s.Unmask())
}
