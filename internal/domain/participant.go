package domain

// ParticipantDirectory resolves ledger participant ids to experiment prosumers.
type ParticipantDirectory interface {
	Lookup(id int) (Prosumer, bool)
	All() []Prosumer
}

// Clock exposes the experiment's simulated time in slices.
type Clock interface {
	CurrentTime() int
	EndTime() int
}

// StaticDirectory is a ParticipantDirectory over a fixed prosumer list.
type StaticDirectory struct {
	byID map[int]Prosumer
	all  []Prosumer
}

// NewStaticDirectory indexes prosumers by id. Later duplicates win.
func NewStaticDirectory(prosumers []Prosumer) *StaticDirectory {
	d := &StaticDirectory{byID: make(map[int]Prosumer, len(prosumers))}
	for _, p := range prosumers {
		if _, dup := d.byID[p.ID]; !dup {
			d.all = append(d.all, p)
		}
		d.byID[p.ID] = p
	}
	return d
}

func (d *StaticDirectory) Lookup(id int) (Prosumer, bool) {
	p, ok := d.byID[id]
	return p, ok
}

func (d *StaticDirectory) All() []Prosumer {
	out := make([]Prosumer, 0, len(d.all))
	for _, p := range d.all {
		out = append(out, d.byID[p.ID])
	}
	return out
}
