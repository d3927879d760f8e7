// Package plan models the actions the model may request and turns raw model
// output into an ordered plan.
package plan

// Kind names an action on the wire.
type Kind string

const (
	KindClick    Kind = "click"
	KindType     Kind = "type"
	KindNavigate Kind = "navigate"
	KindScroll   Kind = "scroll"
	KindBack     Kind = "back"
	KindForward  Kind = "forward"
	KindGetInfo  Kind = "get_info"
)

// AllKinds is the full action vocabulary in prompt order.
var AllKinds = []Kind{KindClick, KindType, KindNavigate, KindScroll, KindBack, KindForward, KindGetInfo}

// ParseKinds maps names onto known kinds, dropping anything unrecognized.
func ParseKinds(names []string) []Kind {
	var out []Kind
	for _, n := range names {
		k := Kind(n)
		if k.Known() {
			out = append(out, k)
		}
	}
	return out
}

// Known reports whether k is part of the vocabulary.
func (k Kind) Known() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Action is one step of a plan. The set of implementations is closed; Unknown
// carries anything the model produced that is not in the vocabulary.
type Action interface {
	Kind() Kind
	action()
}

type Click struct {
	Selector string
	Text     string
}

type Type struct {
	Selector string
	Value    string
}

type Navigate struct {
	URL string
}

// Scroll moves the viewport. Direction is "up" or "down"; anything else is a
// no-op at execution time.
type Scroll struct {
	Direction string
}

type Back struct{}

type Forward struct{}

// GetInfo reads "title", "url" or "text" from the page.
type GetInfo struct {
	Type string
}

// Unknown is an action whose name is not recognized. Name is the raw action
// field, Raw the full JSON of the element.
type Unknown struct {
	Name string
	Raw  string
}

func (Click) Kind() Kind    { return KindClick }
func (Type) Kind() Kind     { return KindType }
func (Navigate) Kind() Kind { return KindNavigate }
func (Scroll) Kind() Kind   { return KindScroll }
func (Back) Kind() Kind     { return KindBack }
func (Forward) Kind() Kind  { return KindForward }
func (GetInfo) Kind() Kind  { return KindGetInfo }
func (u Unknown) Kind() Kind {
	return Kind(u.Name)
}

func (Click) action()    {}
func (Type) action()     {}
func (Navigate) action() {}
func (Scroll) action()   {}
func (Back) action()     {}
func (Forward) action()  {}
func (GetInfo) action()  {}
func (Unknown) action()  {}

// Wire is the JSON shape of a single action.
type Wire struct {
	Action    string `json:"action"`
	Selector  string `json:"selector,omitempty"`
	Text      string `json:"text,omitempty"`
	Value     string `json:"value,omitempty"`
	URL       string `json:"url,omitempty"`
	Direction string `json:"direction,omitempty"`
	Type      string `json:"type,omitempty"`
}

// ToWire renders a into its JSON form, used by execution logs and reports.
func ToWire(a Action) Wire {
	switch v := a.(type) {
	case Click:
		return Wire{Action: string(KindClick), Selector: v.Selector, Text: v.Text}
	case Type:
		return Wire{Action: string(KindType), Selector: v.Selector, Value: v.Value}
	case Navigate:
		return Wire{Action: string(KindNavigate), URL: v.URL}
	case Scroll:
		return Wire{Action: string(KindScroll), Direction: v.Direction}
	case Back:
		return Wire{Action: string(KindBack)}
	case Forward:
		return Wire{Action: string(KindForward)}
	case GetInfo:
		return Wire{Action: string(KindGetInfo), Type: v.Type}
	case Unknown:
		return Wire{Action: v.Name}
	default:
		return Wire{}
	}
}

func fromWire(w Wire, raw string) Action {
	switch Kind(w.Action) {
	case KindClick:
		return Click{Selector: w.Selector, Text: w.Text}
	case KindType:
		return Type{Selector: w.Selector, Value: w.Value}
	case KindNavigate:
		return Navigate{URL: w.URL}
	case KindScroll:
		return Scroll{Direction: w.Direction}
	case KindBack:
		return Back{}
	case KindForward:
		return Forward{}
	case KindGetInfo:
		return GetInfo{Type: w.Type}
	default:
		return Unknown{Name: w.Action, Raw: raw}
	}
}
