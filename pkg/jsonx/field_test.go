package jsonx

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestField_presence(t *testing.T) {
	type payload struct {
		Name Field[string] `json:"name"`
		Size Field[int]    `json:"size"`
	}

	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"name":null,"size":3}`), &p))

	assert.True(t, p.Name.IsSet())
	assert.True(t, p.Name.IsNull())
	assert.Nil(t, p.Name.Value())

	assert.True(t, p.Size.IsSet())
	assert.False(t, p.Size.IsNull())
	assert.Equal(t, 3, *p.Size.Value())

	p = payload{}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &p))
	assert.False(t, p.Name.IsSet(), "absent key stays unset")
	assert.False(t, p.Name.IsNull())
}

func TestParseStrictJSONBody(t *testing.T) {
	type payload struct {
		Name Field[string] `json:"name"`
	}

	parse := func(body string) error {
		req := httptest.NewRequest("POST", "/", strings.NewReader(body))
		var p payload
		return ParseStrictJSONBody(req, &p)
	}

	assert.NoError(t, parse(`{"name":"a"}`))
	assert.ErrorIs(t, parse(``), ErrEmptyBody)
	assert.ErrorIs(t, parse("  \n\t"), ErrEmptyBody)
	assert.ErrorIs(t, parse(`{"name":"a"}{"name":"b"}`), ErrTrailingJSON)
	assert.Error(t, parse(`{"name":"a"`), "truncated")
	assert.Error(t, parse(`{"bogus":1}`), "unknown field")
	assert.Error(t, parse(`{"name":7}`), "type mismatch")
}
