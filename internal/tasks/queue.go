package tasks

// Entry is a queued task with its position in the loaded list.
type Entry struct {
	ListIndex int
	Task      Task
	Filename  string
}

// Queue is the ordered run queue. Only the cursor moves once it is built.
type Queue struct {
	entries []Entry
	cursor  int
}

// BuildQueue keeps, in order, the tasks whose target filename is not in existing.
func BuildQueue(list []Task, existing []string) *Queue {
	have := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		have[name] = struct{}{}
	}

	q := &Queue{}
	for i, t := range list {
		fn := t.TargetFilename()
		if _, ok := have[fn]; ok {
			continue
		}
		q.entries = append(q.entries, Entry{ListIndex: i, Task: t, Filename: fn})
	}
	return q
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return len(q.entries) }

// Index returns the cursor position.
func (q *Queue) Index() int { return q.cursor }

// Done reports whether the cursor moved past the last entry.
func (q *Queue) Done() bool { return q.cursor >= len(q.entries) }

// Current returns the entry under the cursor.
func (q *Queue) Current() (Entry, bool) {
	if q.Done() {
		return Entry{}, false
	}
	return q.entries[q.cursor], true
}

// Advance moves the cursor to the next entry.
func (q *Queue) Advance() {
	if !q.Done() {
		q.cursor++
	}
}

// Remaining returns the number of entries at or after the cursor.
func (q *Queue) Remaining() int { return len(q.entries) - q.cursor }

// Entries returns a copy of the queued entries.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
