package review

import "github.com/chris-regnier/warden/internal/quarantine"

func (f Filter) String() string {
	switch f {
	case FilterFlagged:
		return "flagged"
	case FilterAll:
		return "all"
	default:
		return "open"
	}
}

// visible returns records matching the current filter
func (m ReviewModel) visible() []quarantine.Record {
	if m.filter == FilterAll {
		return m.records
	}
	var out []quarantine.Record
	for _, r := range m.records {
		switch m.filter {
		case FilterFlagged:
			if r.State == quarantine.StateFlagged {
				out = append(out, r)
			}
		default:
			if r.Open() {
				out = append(out, r)
			}
		}
	}
	return out
}
