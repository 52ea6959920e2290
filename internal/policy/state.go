package policy

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rbright/micpin/internal/store"
)

// Mode is the device selection strategy.
type Mode string

const (
	ModeSystemDefault Mode = "system_default"
	ModeCustom        Mode = "custom"
	ModePrioritized   Mode = "prioritized"
)

// ParseMode accepts the canonical names plus a few spellings users type.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "system_default", "system-default", "system", "default":
		return ModeSystemDefault, nil
	case "custom", "pinned", "pin":
		return ModeCustom, nil
	case "prioritized", "priority":
		return ModePrioritized, nil
	default:
		return "", fmt.Errorf("unknown selection mode %q", raw)
	}
}

// PrioritizedDevice is one entry of the priority list. Lower Priority wins.
type PrioritizedDevice struct {
	UID      string `json:"uid"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// State is the persisted selection. PinnedUID is only set in ModeCustom.
type State struct {
	Mode      Mode                `json:"mode"`
	PinnedUID string              `json:"pinned_uid,omitempty"`
	Priority  []PrioritizedDevice `json:"priority,omitempty"`
}

func (s State) clone() State {
	s.Priority = slices.Clone(s.Priority)
	return s
}

// ordered returns the priority list sorted by Priority.
func (s State) ordered() []PrioritizedDevice {
	out := slices.Clone(s.Priority)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// HasPriorityDevice reports whether uid is on the priority list.
func (s State) HasPriorityDevice(uid string) bool {
	return slices.ContainsFunc(s.Priority, func(d PrioritizedDevice) bool { return d.UID == uid })
}

// reindex assigns priorities 0..n-1 in current order.
func reindex(list []PrioritizedDevice) []PrioritizedDevice {
	for i := range list {
		list[i].Priority = i
	}
	return list
}

const (
	keyMode     = "selection.mode"
	keyPinned   = "selection.pinned_uid"
	keyPriority = "selection.priority"
)

// loadState reads persisted state. ok is false when no mode was ever stored.
func loadState(s store.Store) (State, bool, error) {
	rawMode, ok, err := s.Get(keyMode)
	if err != nil {
		return State{}, false, err
	}
	if !ok {
		return State{}, false, nil
	}
	mode, err := ParseMode(rawMode)
	if err != nil {
		return State{}, false, fmt.Errorf("stored %s: %w", keyMode, err)
	}

	state := State{Mode: mode}
	if pinned, ok, err := s.Get(keyPinned); err != nil {
		return State{}, false, err
	} else if ok {
		state.PinnedUID = pinned
	}

	rawList, ok, err := s.Get(keyPriority)
	if err != nil {
		return State{}, false, err
	}
	if ok && rawList != "" {
		if err := json.Unmarshal([]byte(rawList), &state.Priority); err != nil {
			return State{}, false, fmt.Errorf("decode %s: %w", keyPriority, err)
		}
		state.Priority = reindex(state.ordered())
	}
	if state.Mode != ModeCustom {
		state.PinnedUID = ""
	}
	return state, true, nil
}

func saveState(s store.Store, state State) error {
	if err := s.Put(keyMode, string(state.Mode)); err != nil {
		return err
	}
	if state.PinnedUID == "" {
		if err := s.Delete(keyPinned); err != nil {
			return err
		}
	} else if err := s.Put(keyPinned, state.PinnedUID); err != nil {
		return err
	}
	list := state.Priority
	if list == nil {
		list = []PrioritizedDevice{}
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode %s: %w", keyPriority, err)
	}
	return s.Put(keyPriority, string(encoded))
}
