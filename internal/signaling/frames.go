package signaling

import (
	"encoding/json"
	"fmt"
)

// Socket wire frames. Every frame is a JSON object with a "type" discriminator
// and its payload nested under a key of the same name; responses to a request
// carry the request's correlation "id".

const helloVersion = "1.0"

type clientFrame struct {
	ID      string           `json:"id,omitempty"`
	Type    string           `json:"type"`
	Hello   *helloRequest    `json:"hello,omitempty"`
	Room    *roomFrame       `json:"room,omitempty"`
	Message *outgoingMessage `json:"message,omitempty"`
	Bye     *byeFrame        `json:"bye,omitempty"`
}

type byeFrame struct{}

type helloRequest struct {
	Version  string     `json:"version"`
	ResumeID string     `json:"resumeid,omitempty"`
	Auth     *helloAuth `json:"auth,omitempty"`
}

type helloAuth struct {
	URL    string          `json:"url"`
	Params helloAuthParams `json:"params"`
}

type helloAuthParams struct {
	UserID string `json:"userid"`
	Ticket string `json:"ticket"`
}

type roomFrame struct {
	RoomID string `json:"roomid"`
	// SessionID is the backend-issued room session id; the signaling server
	// passes it through to the backend to validate room permission.
	SessionID string `json:"sessionid,omitempty"`
}

type outgoingMessage struct {
	Recipient messageRecipient `json:"recipient"`
	Data      json.RawMessage  `json:"data"`
}

type messageRecipient struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionid,omitempty"`
}

type serverFrame struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Hello   *helloResponse `json:"hello,omitempty"`
	Room    *roomFrame     `json:"room,omitempty"`
	Event   *eventFrame    `json:"event,omitempty"`
	Message *messageFrame  `json:"message,omitempty"`
	Error   *errorFrame    `json:"error,omitempty"`
}

type helloResponse struct {
	SessionID string           `json:"sessionid"`
	ResumeID  string           `json:"resumeid"`
	Server    *helloServerInfo `json:"server,omitempty"`
}

type helloServerInfo struct {
	Features []string `json:"features,omitempty"`
	Version  string   `json:"version,omitempty"`
}

type eventFrame struct {
	Target string `json:"target"`
	Type   string `json:"type"`

	// Join/Leave are set for target "room".
	Join  []eventParticipant `json:"join,omitempty"`
	Leave []string           `json:"leave,omitempty"`

	// Update is set for target "participants".
	Update *participantsUpdate `json:"update,omitempty"`
}

type eventParticipant struct {
	SessionID string `json:"sessionid"`
	UserID    string `json:"userid,omitempty"`
}

func (p eventParticipant) participant() Participant {
	return Participant{SessionID: p.SessionID, UserID: p.UserID}
}

type participantsUpdate struct {
	RoomID string             `json:"roomid,omitempty"`
	Users  []eventParticipant `json:"users,omitempty"`
}

type messageFrame struct {
	Sender *messageSender  `json:"sender,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type messageSender struct {
	Type      string `json:"type,omitempty"`
	SessionID string `json:"sessionid"`
}

type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// parseServerFrame decodes an inbound frame and checks that the payload for
// the declared type is present. Unknown types and extra fields are tolerated
// for forward compatibility; dispatch decides what to do with them.
func parseServerFrame(data []byte) (serverFrame, error) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return serverFrame{}, err
	}
	if err := frame.validate(); err != nil {
		return serverFrame{}, err
	}
	return frame, nil
}

func (f serverFrame) validate() error {
	switch f.Type {
	case "hello":
		if f.Hello == nil {
			return fmt.Errorf("hello frame missing hello payload")
		}
		if f.Hello.SessionID == "" {
			return fmt.Errorf("hello frame missing sessionid")
		}
	case "room":
		if f.Room == nil {
			return fmt.Errorf("room frame missing room payload")
		}
	case "event":
		if f.Event == nil {
			return fmt.Errorf("event frame missing event payload")
		}
		if f.Event.Target == "" {
			return fmt.Errorf("event frame missing target")
		}
	case "message":
		if f.Message == nil {
			return fmt.Errorf("message frame missing message payload")
		}
		if len(f.Message.Data) == 0 {
			return fmt.Errorf("message frame missing data")
		}
	case "error":
		if f.Error == nil {
			return fmt.Errorf("error frame missing error payload")
		}
	case "":
		return fmt.Errorf("frame missing type")
	}
	return nil
}

// attachSender annotates an opaque message payload with the sender's session
// id under "from", matching what the peer-connection engine expects. Payloads
// that are not JSON objects are passed through unchanged.
func attachSender(data json.RawMessage, sessionID string) json.RawMessage {
	if sessionID == "" {
		return data
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return data
	}
	quoted, err := json.Marshal(sessionID)
	if err != nil {
		return data
	}
	obj["from"] = quoted
	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return out
}
