package gridmap

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/gridmap/gridmap/internal/store"
	"github.com/gridmap/gridmap/pkg/sched"
)

// MapOptions tunes one submission. The zero value (or nil) submits with the
// client's defaults.
type MapOptions struct {
	// RequestMemory and RequestDisk override the client's default resource
	// requests for this map.
	RequestMemory string
	RequestDisk   string

	// Custom adds scheduler attributes applied to every component.
	Custom map[string]string

	// CustomPerComponent adds scheduler attributes with one value per
	// component. Each slice must be exactly as long as the input list.
	CustomPerComponent map[string][]string
}

// Keys of the submit description owned by the library. Options may not
// shadow them; the stored description must stay replayable as written.
var reservedDescriptionKeys = map[string]bool{
	"batch_name": true,
	"executable": true,
	"arguments":  true,
	"log":        true,
	"func":       true,
	"input":      true,
	"output":     true,
}

// itemdataKey names the itemdata column backing a per-component option.
func itemdataKey(attr string) string {
	return "itemdata_for_" + attr
}

func (o *MapOptions) validate(components int) error {
	if o == nil {
		return nil
	}
	for key := range o.Custom {
		if reservedDescriptionKeys[key] {
			return fmt.Errorf("option %q is reserved", key)
		}
	}
	for key, values := range o.CustomPerComponent {
		if reservedDescriptionKeys[key] {
			return fmt.Errorf("option %q is reserved", key)
		}
		if len(values) != components {
			return fmt.Errorf("option %q has %d values for %d components", key, len(values), components)
		}
	}
	return nil
}

// buildSubmission renders the full submit description and itemdata rows for
// a map. Everything the scheduler needs per component is referenced through
// $(key) macros, so the same description replays for any subset of rows.
func buildSubmission(md *store.MapDir, settings Settings, opts *MapOptions, components int) (sched.SubmitDescription, []sched.Item, error) {
	if err := opts.validate(components); err != nil {
		return nil, nil, err
	}

	executable := settings.Executable
	if executable == "" {
		return nil, nil, fmt.Errorf("no executable resolved for submission")
	}

	macro := sched.Macro(sched.ComponentKey)
	desc := sched.SubmitDescription{
		"batch_name":     md.Tag(),
		"executable":     executable,
		"arguments":      macro,
		"log":            md.RecordPath(store.RecordEvents),
		"func":           md.RecordPath(store.RecordFunc),
		"input":          md.RecordPath(store.InputFilePattern(macro)),
		"output":         md.RecordPath(store.OutputFilePattern(macro)),
		"request_memory": settings.RequestMemory,
		"request_disk":   settings.RequestDisk,
	}

	if opts != nil {
		if opts.RequestMemory != "" {
			desc["request_memory"] = opts.RequestMemory
		}
		if opts.RequestDisk != "" {
			desc["request_disk"] = opts.RequestDisk
		}
		for key, value := range opts.Custom {
			desc[key] = value
		}
		for _, key := range sortedKeys(opts.CustomPerComponent) {
			desc[key] = sched.Macro(itemdataKey(key))
		}
	}

	items := make([]sched.Item, components)
	for i := range components {
		item := sched.Item{sched.ComponentKey: strconv.Itoa(i)}
		if opts != nil {
			for key, values := range opts.CustomPerComponent {
				item[itemdataKey(key)] = values[i]
			}
		}
		items[i] = item
	}
	return desc, items, nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
