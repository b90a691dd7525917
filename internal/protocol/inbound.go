// Package protocol defines the JSON envelopes exchanged with the desktop
// client over the websocket. Every envelope is an object with a "type" key;
// each type decodes to its own Go type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"nudge-server/internal/model"
)

const (
	TypeRegister     = "register"
	TypeActivityInfo = "activity_info"
	TypeMsg          = "msg"
	TypeSettings     = "settings"
	TypeDebug        = "debug"
	TypeAuth         = "auth"
)

// DebugCheckIn forces an immediate check-in.
const DebugCheckIn = "checkin"

// maxClientTime is 9999-12-31T23:59:59Z in epoch seconds.
const maxClientTime = 253402300799

var (
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMalformed   = errors.New("protocol: malformed message")
)

// Inbound is one of Register, ActivityInfo, ChatMessage, Settings or Debug.
type Inbound interface {
	inbound()
}

type Register struct {
	MachineID string
	Version   string
}

type ActivityInfo struct {
	App         string
	WindowTitle string
	// Time is the client's clock in epoch seconds.
	Time int64
}

type ChatMessage struct {
	Content string
}

type Settings struct {
	Timesinks          string
	EndorsedActivities string
}

type Debug struct {
	Cmd string
}

func (Register) inbound()     {}
func (ActivityInfo) inbound() {}
func (ChatMessage) inbound()  {}
func (Settings) inbound()     {}
func (Debug) inbound()        {}

type envelope struct {
	Type string `json:"type"`
}

type registerWire struct {
	User *struct {
		MachineID string `json:"machine_id"`
		Version   string `json:"version"`
	} `json:"user"`
}

type activityWire struct {
	App         string   `json:"app"`
	WindowTitle string   `json:"window_title"`
	Time        *float64 `json:"time"`
}

type msgWire struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type settingsWire struct {
	Timesinks          string `json:"timesinks"`
	EndorsedActivities string `json:"endorsed_activities"`
}

type debugWire struct {
	Cmd string `json:"cmd"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses one inbound frame. Unrecognized types yield ErrUnknownType;
// anything that fails to parse or validate yields ErrMalformed.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("%v", err)
	}

	switch env.Type {
	case TypeRegister:
		var w registerWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed("register: %v", err)
		}
		if w.User == nil || w.User.MachineID == "" {
			return nil, malformed("register: missing user.machine_id")
		}
		return Register{MachineID: w.User.MachineID, Version: w.User.Version}, nil

	case TypeActivityInfo:
		var w activityWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed("activity_info: %v", err)
		}
		if w.Time == nil || math.IsNaN(*w.Time) {
			return nil, malformed("activity_info: missing time")
		}
		if *w.Time < 0 || *w.Time > maxClientTime {
			return nil, malformed("activity_info: time %g out of range", *w.Time)
		}
		return ActivityInfo{App: w.App, WindowTitle: w.WindowTitle, Time: int64(*w.Time)}, nil

	case TypeMsg:
		var w msgWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed("msg: %v", err)
		}
		if w.Role != "" && w.Role != string(model.RoleUser) {
			return nil, malformed("msg: role %q not accepted from clients", w.Role)
		}
		return ChatMessage{Content: w.Content}, nil

	case TypeSettings:
		var w settingsWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed("settings: %v", err)
		}
		return Settings{Timesinks: w.Timesinks, EndorsedActivities: w.EndorsedActivities}, nil

	case TypeDebug:
		var w debugWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, malformed("debug: %v", err)
		}
		if w.Cmd != DebugCheckIn {
			return nil, malformed("debug: unknown cmd %q", w.Cmd)
		}
		return Debug{Cmd: w.Cmd}, nil

	case "":
		return nil, malformed("missing type")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
