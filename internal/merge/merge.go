// Package merge reconciles a candidate time interval against the intervals
// already committed on the same track. It is shared by the server and by the
// client mirror, which runs it as a prediction before the server responds.
package merge

// Interval is a closed time range [Start, End] on a track, in milliseconds.
// ID is empty for a candidate that has not been committed yet.
type Interval struct {
	ID    string `json:"id"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// Outcome is the result of Reconcile.
//
// When Merge is false the candidate is committed unchanged as a new segment.
// When Merge is true, Survivors[0] is repurposed to [Start, End] and every other
// id in Survivors is deleted.
type Outcome struct {
	Merge     bool     `json:"merge"`
	Survivors []string `json:"survivors,omitempty"`
	Start     int64    `json:"start"`
	End       int64    `json:"end"`
}

// Overlaps reports whether a and b intersect. Boundaries are inclusive, so
// intervals that touch at a single point overlap, and zero-length intervals
// take part like any other.
func Overlaps(a, b Interval) bool {
	return a.Start <= b.End && a.End >= b.Start
}

// Reconcile decides how candidate is committed against existing, the full
// current interval set of the candidate's track. isUpdate is true when the
// candidate is an edit of a segment that already exists, in which case
// candidate.ID must be that segment's id.
func Reconcile(candidate Interval, existing []Interval, isUpdate bool) Outcome {
	if isUpdate && len(existing) == 1 {
		return Outcome{
			Merge:     true,
			Survivors: []string{existing[0].ID},
			Start:     candidate.Start,
			End:       candidate.End,
		}
	}

	start, end := candidate.Start, candidate.End
	var hits []string
	for _, iv := range existing {
		if candidate.ID != "" && iv.ID == candidate.ID {
			continue
		}
		if !Overlaps(iv, candidate) {
			continue
		}
		start = min(start, iv.Start)
		end = max(end, iv.End)
		hits = append(hits, iv.ID)
	}

	if len(hits) == 0 {
		if isUpdate && candidate.ID != "" {
			// An edit with nothing to absorb is a plain bounds update.
			return Outcome{
				Merge:     true,
				Survivors: []string{candidate.ID},
				Start:     candidate.Start,
				End:       candidate.End,
			}
		}
		return Outcome{}
	}

	survivors := hits
	if isUpdate {
		survivors = make([]string, 0, len(hits)+1)
		survivors = append(survivors, candidate.ID)
		survivors = append(survivors, hits...)
	}
	return Outcome{Merge: true, Survivors: survivors, Start: start, End: end}
}

// Apply returns the interval set that results from committing outcome for
// candidate against existing. It is the reference model for what the store
// ends up holding and is used by callers that keep a local copy of a track.
func Apply(candidate Interval, existing []Interval, outcome Outcome) []Interval {
	if !outcome.Merge {
		out := make([]Interval, 0, len(existing)+1)
		out = append(out, existing...)
		return append(out, candidate)
	}

	absorbed := make(map[string]struct{}, len(outcome.Survivors))
	for _, id := range outcome.Survivors[1:] {
		absorbed[id] = struct{}{}
	}
	// A new candidate never becomes a stored interval on the merge path.
	if candidate.ID != "" && candidate.ID != outcome.Survivors[0] {
		absorbed[candidate.ID] = struct{}{}
	}

	out := make([]Interval, 0, len(existing))
	for _, iv := range existing {
		if _, gone := absorbed[iv.ID]; gone {
			continue
		}
		if iv.ID == outcome.Survivors[0] {
			iv.Start, iv.End = outcome.Start, outcome.End
		}
		out = append(out, iv)
	}
	return out
}

// Disjoint reports whether no two intervals in set overlap.
func Disjoint(set []Interval) bool {
	for i := range set {
		for j := i + 1; j < len(set); j++ {
			if Overlaps(set[i], set[j]) {
				return false
			}
		}
	}
	return true
}
