package model

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSpecial marks server-synthesized notices (welcome, status). They
	// are shown to the user but never sent to the completion service.
	RoleSpecial Role = "special"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleSpecial:
		return true
	}
	return false
}

type User struct {
	ID        int64
	MachineID string
	Version   string
	CreatedAt int64
}

type Message struct {
	ID        int64
	UserID    int64
	Role      Role
	Content   string
	CreatedAt int64
}

// ActivitySample is one observation of the foreground window. Time is the
// client clock in epoch seconds and is not comparable with server time.
type ActivitySample struct {
	ID          int64
	UserID      int64
	App         string
	WindowTitle string
	Time        int64
	CreatedAt   int64
}

// SettingsRevision is one entry of the append-only settings log. The most
// recently appended revision is the user's current settings.
type SettingsRevision struct {
	ID                 int64
	UserID             int64
	Timesinks          string
	EndorsedActivities string
	CreatedAt          int64
}
