package protocol

import (
	"fmt"
	"time"

	"jimrelay/models"
)

const defaultWrongRequest = "wrong request or JSON object"

// Now returns the current time in the wire representation (Unix seconds).
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewResponse builds a bare response for one of the known codes. 202 gets a
// zero quantity and 400 the default error text so the envelope stays valid.
func NewResponse(code Code) (Response, error) {
	switch code {
	case CodeAccepted:
		return Accepted(0), nil
	case CodeWrongRequest:
		return WrongRequest(""), nil
	}
	if !code.Valid() {
		return Response{}, fmt.Errorf("unsupported response code %d", int(code))
	}
	return Response{Code: code, Time: Now()}, nil
}

func BasicNotice() Response {
	return Response{Code: CodeBasicNotice, Time: Now()}
}

func OK() Response {
	return Response{Code: CodeOK, Time: Now()}
}

func Accepted(quantity int) Response {
	return Response{Code: CodeAccepted, Time: Now(), Quantity: &quantity}
}

func WrongRequest(text string) Response {
	if text == "" {
		text = defaultWrongRequest
	}
	return Response{Code: CodeWrongRequest, Time: Now(), Error: text}
}

func ServerError() Response {
	return Response{Code: CodeServerError, Time: Now()}
}

// ResponseFor maps a store outcome onto the client-visible vocabulary. Both
// missing-owner and missing-target collapse into 500.
func ResponseFor(o models.Outcome) Response {
	if o == models.OutcomeOK {
		return OK()
	}
	return ServerError()
}

func ChatMessage(text string) Message {
	return Message{Action: ActionMsg, Time: Timestamp(Now()), Message: text}
}

func ContactEntry(name string) Message {
	return Message{Action: ActionContactList, Time: Timestamp(Now()), User: &User{AccountName: name}}
}

func PresenceMessage(name string) Message {
	return Message{Action: ActionPresence, Time: Timestamp(Now()), User: &User{AccountName: name}}
}

func GetContactsMessage() Message {
	return Message{Action: ActionGetContacts, Time: Timestamp(Now())}
}

func AddContactMessage(name string) Message {
	return Message{Action: ActionAddContact, Time: Timestamp(Now()), User: &User{AccountName: name}}
}

func DelContactMessage(name string) Message {
	return Message{Action: ActionDelContact, Time: Timestamp(Now()), User: &User{AccountName: name}}
}
