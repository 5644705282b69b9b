// Package trace collects and classifies stub calls and taint transitions for
// the trace listing.
package trace

import (
	"slices"
	"strings"
	"time"
)

// Tag classifies an event. Tags are stored bare and rendered with a leading #.
type Tag string

const (
	Taint    Tag = "taint"
	Clean    Tag = "clean"
	Copy     Tag = "copy"
	Stack    Tag = "stack"
	Leak     Tag = "leak"
	Pool     Tag = "pool"
	Pages    Tag = "pages"
	NVRAM    Tag = "nvram"
	Protocol Tag = "protocol"
	SMI      Tag = "smi"
	Boot     Tag = "boot"
	Runtime  Tag = "runtime"
	SMM      Tag = "smm"
	Uninit   Tag = "uninit"
)

// Tags is an ordered set; the first tag is the event category.
type Tags []Tag

func (t Tags) Has(tag Tag) bool { return slices.Contains(t, tag) }

// Add appends tag unless it is already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings renders the tags as hashtags.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event is one stub call or taint transition.
type Event struct {
	PC          uint64 // return address of the service call, or the retired instruction
	Tags        Tags
	Name        string // service or instruction, e.g. "AllocatePool" or "sub rsp, 0x28"
	Detail      string // e.g. "taint [0x1000, 0x1020)"
	Annotations map[string]string
	Time        time.Time
}

// NewEvent creates an event whose first tag is category.
func NewEvent(pc uint64, category, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{Tag(category)},
		Name:        name,
		Detail:      detail,
		Annotations: map[string]string{},
		Time:        time.Now(),
	}
}

// Category returns the tag the event was created with.
func (e *Event) Category() Tag {
	if len(e.Tags) == 0 {
		return ""
	}
	return e.Tags[0]
}

// Enricher adds tags and annotations to a fresh event.
type Enricher func(e *Event)

// serviceTags maps service names to the resource they manage.
var serviceTags = map[string]Tag{
	"AllocatePool":       Pool,
	"FreePool":           Pool,
	"SmmAllocatePool":    Pool,
	"SmmFreePool":        Pool,
	"AllocatePages":      Pages,
	"FreePages":          Pages,
	"SmmAllocatePages":   Pages,
	"SmmFreePages":       Pages,
	"SmiHandlerRegister": SMI,
}

// transitions maps the verb of a taint detail to its tag.
var transitions = []struct {
	verb string
	tag  Tag
}{
	{"taint ", Uninit},
	{"clean ", Clean},
	{"copy ", Copy},
}

// DefaultEnricher tags events from their category, name and detail.
func DefaultEnricher(e *Event) {
	switch e.Category() {
	case Taint:
		for _, tr := range transitions {
			if strings.HasPrefix(e.Detail, tr.verb) {
				e.Tags.Add(tr.tag)
				break
			}
		}
		e.Annotations["rule"] = e.Name
	case Stack:
		e.Tags.Add(Uninit)
	case Leak:
		e.Tags.Add(NVRAM)
		e.Annotations["severity"] = "high"
	case Boot, SMM:
		if tag, ok := serviceTags[e.Name]; ok {
			e.Tags.Add(tag)
		}
	case Runtime:
		e.Tags.Add(NVRAM)
	case Protocol:
		if strings.HasSuffix(e.Name, ".Register") {
			e.Tags.Add(SMI)
		}
	}
}

// Recorder collects enriched events. It is not safe for concurrent use; the
// emulator delivers events from a single goroutine.
type Recorder struct {
	Enrich Enricher
	Events []*Event // recorded since the last Drain
}

// Record creates, enriches and stores an event. It satisfies log.TraceFunc.
func (r *Recorder) Record(pc uint64, category, name, detail string) {
	ev := NewEvent(pc, category, name, detail)
	if r.Enrich != nil {
		r.Enrich(ev)
	}
	r.Events = append(r.Events, ev)
}

// Drain returns the events recorded since the previous Drain and releases
// them from the recorder.
func (r *Recorder) Drain() []*Event {
	out := r.Events
	r.Events = nil
	return out
}

// Tagged returns the undrained events carrying tag.
func (r *Recorder) Tagged(tag Tag) []*Event {
	var out []*Event
	for _, ev := range r.Events {
		if ev.Tags.Has(tag) {
			out = append(out, ev)
		}
	}
	return out
}
