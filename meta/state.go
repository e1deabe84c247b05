package meta

import "time"

// State is the lifecycle state of an installed extension.
type State int

const (
	// StateNone means the identifier is not known to the catalog.
	StateNone State = iota
	StateInstalling
	StateActive
	StateDisabled
	StateUpdating
	StateRollingBack
	StateUninstalling
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInstalling:
		return "installing"
	case StateActive:
		return "active"
	case StateDisabled:
		return "disabled"
	case StateUpdating:
		return "updating"
	case StateRollingBack:
		return "rolling_back"
	case StateUninstalling:
		return "uninstalling"
	default:
		return "unknown"
	}
}

// Transitional reports whether a lifecycle operation owns the extension.
func (s State) Transitional() bool {
	switch s {
	case StateInstalling, StateUpdating, StateRollingBack, StateUninstalling:
		return true
	}
	return false
}

// Status pairs a state with the reason recorded for StateDisabled.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func (s Status) String() string {
	if s.Reason == "" {
		return s.State.String()
	}
	return s.State.String() + "(" + s.Reason + ")"
}

// Record is what a catalog stores for one extension.
type Record struct {
	Descriptor Descriptor `json:"descriptor"`
	Enabled    bool       `json:"enabled"`
	Reason     string     `json:"reason,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Status derives the steady-state status from the enabled flag.
func (r Record) Status() Status {
	if r.Enabled {
		return Status{State: StateActive}
	}
	return Status{State: StateDisabled, Reason: r.Reason}
}

// Snapshot identifies a captured copy of an extension's installed tree
// together with the descriptor that was installed at capture time.
type Snapshot struct {
	ID          string     `json:"id"`
	ExtensionID string     `json:"extension_id"`
	Descriptor  Descriptor `json:"descriptor"`
	CreatedAt   time.Time  `json:"created_at"`
	Files       int        `json:"files"`
	Bytes       int64      `json:"bytes"`
	Digest      string     `json:"digest"`
}
