package protocol

import (
	"encoding/json"

	"nudge-server/internal/model"
)

// Outbound is one of SettingsEnvelope, MessageEnvelope or AuthEnvelope.
type Outbound interface {
	outbound()
}

type SettingsEnvelope struct {
	Timesinks          string `json:"timesinks"`
	EndorsedActivities string `json:"endorsed_activities"`
}

type MessageEnvelope struct {
	Role      model.Role `json:"role"`
	Content   string     `json:"content"`
	NotifOpts []string   `json:"notifOpts,omitempty"`
}

// AuthEnvelope hands the client a bearer token for the REST endpoints.
type AuthEnvelope struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (SettingsEnvelope) outbound() {}
func (MessageEnvelope) outbound()  {}
func (AuthEnvelope) outbound()     {}

func (e SettingsEnvelope) MarshalJSON() ([]byte, error) {
	type alias SettingsEnvelope
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeSettings, alias(e)})
}

func (e MessageEnvelope) MarshalJSON() ([]byte, error) {
	type alias MessageEnvelope
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeMsg, alias(e)})
}

func (e AuthEnvelope) MarshalJSON() ([]byte, error) {
	type alias AuthEnvelope
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeAuth, alias(e)})
}

func Encode(o Outbound) ([]byte, error) {
	return json.Marshal(o)
}

func NewSettingsEnvelope(rev model.SettingsRevision) SettingsEnvelope {
	return SettingsEnvelope{Timesinks: rev.Timesinks, EndorsedActivities: rev.EndorsedActivities}
}

func NewMessageEnvelope(msg model.Message, notifOpts []string) MessageEnvelope {
	return MessageEnvelope{Role: msg.Role, Content: msg.Content, NotifOpts: notifOpts}
}
