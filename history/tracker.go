package history

import "sort"

// maxMissing bounds the missing sequence numbers remembered per publisher.
const maxMissing = 4096

// Range is an inclusive span of sequence numbers.
type Range struct {
	From uint64
	To   uint64
}

type publisherSeq struct {
	lowest  uint64
	highest uint64
	missing map[uint64]struct{}
}

// tracker remembers, per publisher, which sequence numbers have been delivered so
// duplicates are dropped and gaps can be reported. It is not safe for concurrent
// use; the subscriber serializes access.
type tracker struct {
	pubs map[string]*publisherSeq
}

func newTracker() *tracker {
	return &tracker{pubs: make(map[string]*publisherSeq)}
}

// observe records a live sample and reports whether it should be delivered and
// which range, if any, was skipped before it.
func (t *tracker) observe(pub string, seq uint64) (bool, *Range) {
	st, ok := t.pubs[pub]
	if !ok {
		t.pubs[pub] = &publisherSeq{lowest: seq, highest: seq, missing: make(map[uint64]struct{})}
		return true, nil
	}

	switch {
	case seq > st.highest:
		var gap *Range
		if seq > st.highest+1 {
			gap = &Range{From: st.highest + 1, To: seq - 1}
			st.markMissing(*gap)
		}
		st.highest = seq
		return true, gap
	case st.take(seq):
		return true, nil
	default:
		return false, nil
	}
}

// heartbeat records the last sequence a publisher announced and returns the range
// not yet seen. Unknown publishers are ignored.
func (t *tracker) heartbeat(pub string, last uint64) *Range {
	st, ok := t.pubs[pub]
	if !ok || last <= st.highest {
		return nil
	}
	gap := Range{From: st.highest + 1, To: last}
	st.markMissing(gap)
	st.highest = last
	return &gap
}

// backfill filters a batch of historical sequence numbers for one publisher and
// returns the ones to deliver, ascending. Samples older than anything delivered,
// samples filling a recorded gap and, for an unknown publisher, the whole batch are
// kept.
func (t *tracker) backfill(pub string, seqs []uint64) []uint64 {
	sorted := make([]uint64, len(seqs))
	copy(sorted, seqs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	st, known := t.pubs[pub]
	if !known {
		st = &publisherSeq{missing: make(map[uint64]struct{})}
	}

	out := make([]uint64, 0, len(sorted))
	var last uint64
	for i, seq := range sorted {
		if i > 0 && seq == last {
			continue
		}
		last = seq
		if !known || seq < st.lowest || st.take(seq) {
			out = append(out, seq)
		}
	}
	if len(out) == 0 {
		return out
	}

	if !known {
		st.lowest, st.highest = out[0], out[len(out)-1]
		t.pubs[pub] = st
		return out
	}
	if out[0] < st.lowest {
		st.lowest = out[0]
	}
	if out[len(out)-1] > st.highest {
		st.highest = out[len(out)-1]
	}
	return out
}

// forget drops the state of a publisher that went away.
func (t *tracker) forget(pub string) {
	delete(t.pubs, pub)
}

func (st *publisherSeq) markMissing(r Range) {
	from := r.From
	if r.To-r.From+1 > maxMissing {
		from = r.To - maxMissing + 1
	}
	for s := from; s <= r.To && len(st.missing) < maxMissing; s++ {
		st.missing[s] = struct{}{}
	}
}

func (st *publisherSeq) take(seq uint64) bool {
	if _, ok := st.missing[seq]; ok {
		delete(st.missing, seq)
		return true
	}
	return false
}
