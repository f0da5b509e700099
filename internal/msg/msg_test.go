package msg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	data, err := Encode(SWReady, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `["SW_READY",null]`, string(data))

	data, err = Encode(SWCookiePush, []map[string]string{{"name": "a", "value": "1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["SW_COOKIE_PUSH",[{"name":"a","value":"1"}]]`, string(data))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		cmd     Command
		payload string
		wantErr bool
	}{
		{name: "with payload", data: `["PAGE_INIT_END",7]`, cmd: PageInitEnd, payload: `7`},
		{name: "without payload", data: `["PAGE_CONF_GET"]`, cmd: PageConfGet, payload: `null`},
		{name: "unknown command still decodes", data: `["FUTURE_CMD",{}]`, cmd: "FUTURE_CMD", payload: `{}`},
		{name: "empty array", data: `[]`, wantErr: true},
		{name: "object", data: `{"cmd":"x"}`, wantErr: true},
		{name: "numeric command", data: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cmd, m.Cmd)
			assert.JSONEq(t, tt.payload, string(m.Payload))
		})
	}
}

func TestBind(t *testing.T) {
	m, err := Decode([]byte(`["PAGE_INIT_BEG",42]`))
	require.NoError(t, err)

	var id int
	require.NoError(t, m.Bind(&id))
	assert.Equal(t, 42, id)
}
