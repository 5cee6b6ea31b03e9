package broadcaster

import (
	"encoding/json"
	"time"
)

// Message is the envelope delivered on raw stream paths.
type Message struct {
	Id         string    `json:"id"`
	CreateTime time.Time `json:"createTime"`
	Path       string    `json:"path"`
	Payload    any       `json:"payload"`
}

// Encoder serializes a broadcast payload for every connection of a path kind.
type Encoder func(path StreamPath, messageId string, payload any) (*Frame, error)

func EncodeMessage(path StreamPath, messageId string, payload any) (*Frame, error) {
	data, err := json.Marshal(Message{
		Id:         messageId,
		CreateTime: time.Now(),
		Path:       path.Path,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}

	return &Frame{
		Kind:  FrameKindMessage,
		Id:    messageId,
		Event: "message",
		Data:  data,
	}, nil
}
