// Package msg defines the message protocol spoken between the proxy and
// the page contexts it has injected.
//
// Every message is a two element JSON array: [command, payload].
package msg

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Command tags a message.
type Command string

// Page to proxy.
const (
	PageCookiePush Command = "PAGE_COOKIE_PUSH"
	PageInfoPull   Command = "PAGE_INFO_PULL"
	PageInitBeg    Command = "PAGE_INIT_BEG"
	PageInitEnd    Command = "PAGE_INIT_END"
	PageConfGet    Command = "PAGE_CONF_GET"
	PageConfSet    Command = "PAGE_CONF_SET"
	PageReloadConf Command = "PAGE_RELOAD_CONF"
	PageReadyCheck Command = "PAGE_READY_CHECK"
)

// Proxy to page.
const (
	SWCookiePush Command = "SW_COOKIE_PUSH"
	SWInfoPush   Command = "SW_INFO_PUSH"
	SWConfReturn Command = "SW_CONF_RETURN"
	SWConfChange Command = "SW_CONF_CHANGE"
	SWReady      Command = "SW_READY"
)

var ErrMalformed = errors.New("malformed message")

// Message is a decoded [command, payload] pair.
type Message struct {
	Cmd     Command
	Payload json.RawMessage
}

// Encode marshals a message into its wire form.
func Encode(cmd Command, payload any) ([]byte, error) {
	data, err := sonic.Marshal([]any{cmd, payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd, err)
	}
	return data, nil
}

// Decode parses a wire message. A missing payload decodes as null.
func Decode(data []byte) (Message, error) {
	var parts []json.RawMessage
	if err := sonic.Unmarshal(data, &parts); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) == 0 {
		return Message{}, ErrMalformed
	}

	var cmd string
	if err := sonic.Unmarshal(parts[0], &cmd); err != nil || cmd == "" {
		return Message{}, fmt.Errorf("%w: command is not a string", ErrMalformed)
	}

	m := Message{Cmd: Command(cmd), Payload: json.RawMessage("null")}
	if len(parts) > 1 {
		m.Payload = parts[1]
	}
	return m, nil
}

// Bind unmarshals the payload into v.
func (m Message) Bind(v any) error {
	if err := sonic.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("bind %s payload: %w", m.Cmd, err)
	}
	return nil
}
