package snapshot

// Diff lists the sids that differ between two snapshots. The three sets are
// disjoint by sid and sorted.
type Diff struct {
	Added   []Entry `json:"added"`
	Deleted []Entry `json:"deleted"`
	Updated []Entry `json:"updated"`
}

// Empty reports whether the two snapshots were equal.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Deleted) == 0 && len(d.Updated) == 0
}

// Changed is the total number of sids touched.
func (d Diff) Changed() int {
	return len(d.Added) + len(d.Deleted) + len(d.Updated)
}

// Compare computes the diff from older to newer. Updated entries carry the newer
// version. A nil snapshot is treated as empty.
func Compare(older, newer *Snapshot) Diff {
	d := Diff{Added: []Entry{}, Deleted: []Entry{}, Updated: []Entry{}}

	prev := make(map[int64]Entry, older.Len())
	for _, e := range older.Entries() {
		prev[e.SID] = e
	}
	next := make(map[int64]bool, newer.Len())

	for _, e := range newer.Entries() {
		next[e.SID] = true
		old, ok := prev[e.SID]
		switch {
		case !ok:
			d.Added = append(d.Added, e)
		case changed(old, e):
			d.Updated = append(d.Updated, e)
		}
	}
	for _, e := range older.Entries() {
		if !next[e.SID] {
			d.Deleted = append(d.Deleted, e)
		}
	}
	return d
}

func changed(a, b Entry) bool {
	return a.Msg != b.Msg ||
		a.Content != b.Content ||
		a.Category != b.Category ||
		a.State != b.State
}
