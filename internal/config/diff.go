package config

import "reflect"

// RosterDiff describes what changed between two roster declarations, expressed
// as concrete instance slots so the launcher can act on it directly.
type RosterDiff struct {
	Added   []InstanceSlot
	Removed []InstanceSlot
	Changed []InstanceSlot

	SchedulerChanged bool
	NewPollInterval  SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *RosterDiff) HasChanges() bool {
	return len(d.Added) > 0 ||
		len(d.Removed) > 0 ||
		len(d.Changed) > 0 ||
		d.SchedulerChanged
}

// Diff compares two configs and returns the roster delta plus reload flags.
func Diff(old, new *Config) RosterDiff {
	var d RosterDiff

	oldSlots := slotIndex(old.Teams)
	newSlots := slotIndex(new.Teams)

	for id, slot := range newSlots {
		if _, ok := oldSlots[id]; !ok {
			d.Added = append(d.Added, slot)
		}
	}
	for id, slot := range oldSlots {
		if _, ok := newSlots[id]; !ok {
			d.Removed = append(d.Removed, slot)
		}
	}
	for id, newSlot := range newSlots {
		if oldSlot, ok := oldSlots[id]; ok {
			if !reflect.DeepEqual(oldSlot.Config, newSlot.Config) {
				d.Changed = append(d.Changed, newSlot)
			}
		}
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewPollInterval = new.Scheduler
	}

	// Non-reloadable warnings
	if old.Bus.Port != new.Bus.Port {
		d.NonReloadable = append(d.NonReloadable, "bus.port")
	}
	if old.Bus.DataDir != new.Bus.DataDir {
		d.NonReloadable = append(d.NonReloadable, "bus.data_dir")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}

func slotIndex(r RosterConfig) map[string]InstanceSlot {
	idx := make(map[string]InstanceSlot)
	for _, slot := range r.Instances() {
		idx[slot.InstanceID] = slot
	}
	return idx
}
