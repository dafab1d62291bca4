// Package protocol implements the JIM wire format: one JSON object per
// read or write call, carrying either a request/notification Message or a
// numeric Response.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// MaxPacketSize bounds a single payload. The relay reads at most this many
// bytes per call and never reassembles across reads, so a longer message
// arrives truncated and fails to decode.
const MaxPacketSize = 1024

var (
	ErrDecode         = errors.New("invalid packet")
	ErrPacketTooLarge = fmt.Errorf("%w: packet exceeds %d bytes", ErrDecode, MaxPacketSize)
)

type Action string

const (
	ActionPresence    Action = "presence"
	ActionMsg         Action = "msg"
	ActionGetContacts Action = "get_contacts"
	ActionContactList Action = "contact_list"
	ActionAddContact  Action = "add_contact"
	ActionDelContact  Action = "del_contact"
)

func (a Action) Valid() bool {
	switch a {
	case ActionPresence, ActionMsg, ActionGetContacts, ActionContactList, ActionAddContact, ActionDelContact:
		return true
	}
	return false
}

type User struct {
	AccountName string `json:"account_name"`
}

// Timestamp is a message time in Unix seconds. Clients disagree on its JSON
// type, so a number or a numeric string is accepted and any other value reads
// as zero instead of failing the whole packet.
type Timestamp float64

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*ts = 0
	switch x := v.(type) {
	case float64:
		*ts = Timestamp(x)
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			*ts = Timestamp(f)
		}
	}
	return nil
}

// Message is the envelope for everything that carries an action.
type Message struct {
	Action  Action    `json:"action"`
	Time    Timestamp `json:"time"`
	User    *User     `json:"user,omitempty"`
	Message string    `json:"message,omitempty"`
}

func (m Message) AccountName() string {
	if m.User == nil {
		return ""
	}
	return m.User.AccountName
}

type Code int

const (
	CodeBasicNotice  Code = 100
	CodeOK           Code = 200
	CodeAccepted     Code = 202
	CodeWrongRequest Code = 400
	CodeServerError  Code = 500
)

func (c Code) Valid() bool {
	switch c {
	case CodeBasicNotice, CodeOK, CodeAccepted, CodeWrongRequest, CodeServerError:
		return true
	}
	return false
}

func (c Code) String() string {
	switch c {
	case CodeBasicNotice:
		return "BASIC_NOTICE"
	case CodeOK:
		return "OK"
	case CodeAccepted:
		return "ACCEPTED"
	case CodeWrongRequest:
		return "WRONG_REQUEST"
	case CodeServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

type Response struct {
	Code     Code    `json:"response"`
	Time     float64 `json:"time"`
	Error    string  `json:"error,omitempty"`
	Quantity *int    `json:"quantity,omitempty"`
}

// Request is the decoded form of an inbound Message. The set of
// implementations is closed to this package.
type Request interface {
	Action() Action
	isRequest()
}

type Presence struct {
	Time        float64
	AccountName string
}

type Chat struct {
	Time float64
	Text string
}

type GetContacts struct {
	Time float64
}

type ContactList struct {
	Time        float64
	AccountName string
}

type AddContact struct {
	Time        float64
	AccountName string
}

type DelContact struct {
	Time        float64
	AccountName string
}

func (Presence) Action() Action    { return ActionPresence }
func (Chat) Action() Action        { return ActionMsg }
func (GetContacts) Action() Action { return ActionGetContacts }
func (ContactList) Action() Action { return ActionContactList }
func (AddContact) Action() Action  { return ActionAddContact }
func (DelContact) Action() Action  { return ActionDelContact }

func (Presence) isRequest()    {}
func (Chat) isRequest()        {}
func (GetContacts) isRequest() {}
func (ContactList) isRequest() {}
func (AddContact) isRequest()  {}
func (DelContact) isRequest()  {}

// Encode serializes a message. Marshalling these types cannot fail.
func Encode(m Message) []byte {
	b, _ := json.Marshal(m)
	return b
}

func EncodeResponse(r Response) []byte {
	b, _ := json.Marshal(r)
	return b
}

// DecodeMessage parses a raw payload into a Message with a known action.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if len(b) > MaxPacketSize {
		return m, ErrPacketTooLarge
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if m.Action == "" {
		return Message{}, fmt.Errorf("%w: missing action", ErrDecode)
	}
	if !m.Action.Valid() {
		return Message{}, fmt.Errorf("%w: unknown action %q", ErrDecode, m.Action)
	}
	return m, nil
}

func DecodeResponse(b []byte) (Response, error) {
	var r Response
	if len(b) > MaxPacketSize {
		return r, ErrPacketTooLarge
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if !r.Code.Valid() {
		return Response{}, fmt.Errorf("%w: unknown response code %d", ErrDecode, int(r.Code))
	}
	return r, nil
}

// Decode parses a payload into its typed Request.
func Decode(b []byte) (Request, error) {
	m, err := DecodeMessage(b)
	if err != nil {
		return nil, err
	}

	switch m.Action {
	case ActionPresence:
		return Presence{Time: float64(m.Time), AccountName: m.AccountName()}, nil
	case ActionMsg:
		return Chat{Time: float64(m.Time), Text: m.Message}, nil
	case ActionGetContacts:
		return GetContacts{Time: float64(m.Time)}, nil
	case ActionContactList:
		return ContactList{Time: float64(m.Time), AccountName: m.AccountName()}, nil
	case ActionAddContact:
		return AddContact{Time: float64(m.Time), AccountName: m.AccountName()}, nil
	case ActionDelContact:
		return DelContact{Time: float64(m.Time), AccountName: m.AccountName()}, nil
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrDecode, m.Action)
}
