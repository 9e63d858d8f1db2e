package alignment

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/cqp-go/siteagent/internal/qkd"
)

// workerHistogram is the per-worker Phase 1 accumulator.
type workerHistogram struct {
	counts  []int64                            // per-bin count, this worker's slice only
	results map[qkd.BinId]map[qkd.SlotId][]qkd.Qubit
}

func newWorkerHistogram(numBins uint64) *workerHistogram {
	return &workerHistogram{
		counts:  make([]int64, numBins),
		results: make(map[qkd.BinId]map[qkd.SlotId][]qkd.Qubit),
	}
}

func (w *workerHistogram) add(bin qkd.BinId, slot qkd.SlotId, v qkd.Qubit) {
	w.counts[bin]++
	bySlot, ok := w.results[bin]
	if !ok {
		bySlot = make(map[qkd.SlotId][]qkd.Qubit)
		w.results[bin] = bySlot
	}
	bySlot[slot] = append(bySlot[slot], v)
}

// adjustedTime applies the running drift estimate to a raw detection time,
// per SPEC_FULL.md §4.1: offset = ceil(drift * time / 1e9) picoseconds.
func adjustedTime(t qkd.PicoTime, drift decimal.Decimal) int64 {
	if drift.IsZero() {
		return int64(t)
	}
	offset := drift.Mul(decimal.NewFromInt(int64(t))).Div(decimal.NewFromInt(1_000_000_000)).Ceil()
	return int64(t) + offset.IntPart()
}

func slotAndBin(adjusted int64, slotWidth, pulseWidth int64) (qkd.SlotId, qkd.BinId) {
	slot := adjusted / slotWidth
	rem := adjusted % slotWidth
	if rem < 0 {
		rem += slotWidth
	}
	bin := rem / pulseWidth
	return qkd.SlotId(slot), qkd.BinId(bin)
}

// BuildHistogram runs one frame of Detection Gating to completion and
// returns the aligned qubit stream. It blocks until finished; a second
// concurrent call on the same instance blocks until the first returns.
func (g *Gating) BuildHistogram(ctx context.Context, reports []qkd.DetectionReport, frame qkd.FrameId, peer Peer) ([]qkd.Qubit, error) {
	g.processingMutex.Lock()
	defer g.processingMutex.Unlock()

	params, numSlots, numBins, workers := g.snapshotConfig()
	drift := g.DriftEstimate()

	if numSlots == 0 || numBins == 0 {
		return nil, errNotConfigured
	}
	if workers > len(reports) && len(reports) > 0 {
		workers = len(reports)
	}
	if workers < 1 {
		workers = 1
	}

	// Kick off the marker fetch immediately; it runs concurrently with
	// Phases 1-4 and is only waited on going into Phase 5.
	type markerResult struct {
		markers qkd.QubitByIndex
		err     error
	}
	markerCh := make(chan markerResult, 1)
	go func() {
		m, err := peer.GetAlignmentMarks(ctx, frame)
		markerCh <- markerResult{m, err}
	}()

	// ---- Phase 1: local histogram (parallel) ----
	perWorker := make([]*workerHistogram, workers)
	var wg sync.WaitGroup
	n := len(reports)
	for t := 0; t < workers; t++ {
		lo := t * n / workers
		hi := (t + 1) * n / workers
		wh := newWorkerHistogram(numBins)
		perWorker[t] = wh
		wg.Add(1)
		go func(lo, hi int, wh *workerHistogram) {
			defer wg.Done()
			for _, r := range reports[lo:hi] {
				adj := adjustedTime(r.Time, drift)
				slot, bin := slotAndBin(adj, params.SlotWidthPs, params.PulseWidthPs)
				wh.add(bin, slot, r.Value)
			}
		}(lo, hi, wh)
	}
	wg.Wait()

	// ---- Phase 2: barrier & merge (the per-worker bin counts are summed
	// into a single global histogram; the atomic add stands in for the
	// mutex-guarded merge + countdown-to-zero barrier of the source) ----
	globalCounts := make([]int64, numBins)
	for _, wh := range perWorker {
		for bin, c := range wh.counts {
			if c != 0 {
				atomic.AddInt64(&globalCounts[bin], c)
			}
		}
	}

	// ---- Phase 3: bin window selection (coordinator, single-threaded) ----
	targetBin, minBin, maxBin, newDrift, windowIsFullCircle := selectWindow(globalCounts, params.AcceptanceRatio, drift, params.PulseWidthPs)

	g.mu.Lock()
	g.driftEstimate = newDrift
	g.mu.Unlock()

	if windowIsFullCircle {
		g.log.Error("alignment bin window spans every bin, noise floor too high", map[string]interface{}{
			"frame":      uint64(frame),
			"targetBin":  targetBin,
			"numBins":    numBins,
		})
		return nil, errNoiseFloor
	}

	// ---- Phase 4: collapse (parallel) ----
	valuesBySlot := make(map[qkd.SlotId][]qkd.Qubit)
	var collapseMu sync.Mutex
	var wg2 sync.WaitGroup
	for _, wh := range perWorker {
		wg2.Add(1)
		go func(wh *workerHistogram) {
			defer wg2.Done()
			collected := collectWindow(wh, minBin, maxBin, numBins)
			collapseMu.Lock()
			for slot, vals := range collected {
				valuesBySlot[slot] = append(valuesBySlot[slot], vals...)
			}
			collapseMu.Unlock()
		}(wh)
	}
	wg2.Wait()

	// ---- wait for Phase 3's marker request ----
	mr := <-markerCh
	if mr.err != nil || len(mr.markers) == 0 {
		g.log.Info("alignment marker fetch failed or empty, returning empty frame", map[string]interface{}{
			"frame": uint64(frame),
			"error": mr.err,
		})
		return nil, nil
	}

	// ---- Phase 5: offset scoring (parallel) ----
	offset := scoreOffsets(valuesBySlot, mr.markers, params.SlotOffsetTestRange, workers)

	g.mu.Lock()
	g.slotIdOffset = offset
	g.mu.Unlock()

	// ---- Phase 6: output ----
	qubits, detected := collapseOutput(valuesBySlot, mr.markers, offset, numSlots, g.randSource)

	if err := peer.DiscardTransmissions(ctx, detected, offset); err != nil {
		g.log.Warn("failed to report detected slots to peer", map[string]interface{}{
			"frame": uint64(frame),
			"error": err,
		})
	}

	return qubits, nil
}

// selectWindow implements Phase 3: find the peak bin, extend a window
// outward while neighboring bins stay within acceptanceRatio of the peak,
// and update the running drift estimate by half the extension asymmetry.
func selectWindow(counts []int64, acceptanceRatio float64, drift decimal.Decimal, pulseWidthPs int64) (targetBin int, minBin, maxBin int, newDrift decimal.Decimal, fullCircle bool) {
	numBins := len(counts)
	targetBin = 0
	for i, c := range counts {
		if c > counts[targetBin] {
			targetBin = i
		}
	}
	threshold := int64(float64(counts[targetBin]) * acceptanceRatio)
	if threshold < 1 {
		threshold = 1
	}

	leftExt, rightExt := 0, 0
	minBin, maxBin = targetBin, targetBin
	for leftExt+rightExt < numBins-1 {
		nextLeft := mod(targetBin-leftExt-1, numBins)
		if counts[nextLeft] >= threshold {
			leftExt++
			minBin = nextLeft
		} else {
			break
		}
	}
	for leftExt+rightExt < numBins-1 {
		nextRight := mod(targetBin+rightExt+1, numBins)
		if counts[nextRight] >= threshold {
			rightExt++
			maxBin = nextRight
		} else {
			break
		}
	}

	fullCircle = leftExt+rightExt >= numBins-1

	halfStep := decimal.NewFromInt(pulseWidthPs).Mul(decimal.NewFromInt(int64(rightExt - leftExt))).Div(decimal.NewFromInt(2))
	newDrift = drift.Add(halfStep)

	return targetBin, minBin, maxBin, newDrift, fullCircle
}

func mod(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}

// collectWindow copies one worker's results for bins in [minBin,maxBin]
// (wrapping modulo numBins) out of its private map.
func collectWindow(wh *workerHistogram, minBin, maxBin int, numBins uint64) map[qkd.SlotId][]qkd.Qubit {
	out := make(map[qkd.SlotId][]qkd.Qubit)
	bin := minBin
	for {
		if bySlot, ok := wh.results[qkd.BinId(bin)]; ok {
			for slot, vals := range bySlot {
				out[slot] = append(out[slot], vals...)
			}
		}
		if bin == maxBin {
			break
		}
		bin = mod(bin+1, int(numBins))
	}
	return out
}

// scoreOffsets implements Phase 5: partition [0, testRange) across workers,
// score each candidate offset by marker agreement, and return the
// global-best offset.
func scoreOffsets(valuesBySlot map[qkd.SlotId][]qkd.Qubit, markers qkd.QubitByIndex, testRange int, workers int) int64 {
	if workers < 1 {
		workers = 1
	}
	type best struct {
		offset int64
		score  int64
		set    bool
	}
	bests := make([]best, workers)
	var wg sync.WaitGroup
	for t := 0; t < workers; t++ {
		lo := t * testRange / workers
		hi := (t + 1) * testRange / workers
		wg.Add(1)
		go func(idx, lo, hi int) {
			defer wg.Done()
			var b best
			for offset := lo; offset < hi; offset++ {
				score := scoreOneOffset(valuesBySlot, markers, int64(offset))
				if !b.set || score > b.score {
					b = best{offset: int64(offset), score: score, set: true}
				}
			}
			bests[idx] = b
		}(t, lo, hi)
	}
	wg.Wait()

	var winner best
	for _, b := range bests {
		if !b.set {
			continue
		}
		if !winner.set || b.score > winner.score {
			winner = b
		}
	}
	return winner.offset
}

func scoreOneOffset(valuesBySlot map[qkd.SlotId][]qkd.Qubit, markers qkd.QubitByIndex, offset int64) int64 {
	// Markers are published in corrected (emitter) slot indexing; detections
	// in valuesBySlot are still in raw receiver indexing. Phase 6 recovers
	// corrected = raw + slotIdOffset, so the matching raw slot for a marker
	// at corrected index slotId is slotId - offset.
	var score int64
	for slotId, expected := range markers {
		candidate := qkd.SlotId(int64(slotId) - offset)
		detections, ok := valuesBySlot[candidate]
		if !ok {
			continue
		}
		for _, v := range detections {
			if v.Basis != expected.Basis {
				continue
			}
			if v.Bit == expected.Bit {
				score++
			} else {
				score--
			}
		}
	}
	return score
}

// collapseOutput implements Phase 6: corrected-slot filtering, marker
// exclusion, and random choice among multiple detections in one slot.
func collapseOutput(valuesBySlot map[qkd.SlotId][]qkd.Qubit, markers qkd.QubitByIndex, offset int64, numSlots uint64, rnd randIntn) ([]qkd.Qubit, []qkd.SlotId) {
	slots := make([]qkd.SlotId, 0, len(valuesBySlot))
	for s := range valuesBySlot {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	qubits := make([]qkd.Qubit, 0, len(slots))
	detected := make([]qkd.SlotId, 0, len(slots))

	for _, s := range slots {
		correctedSlot := int64(s) + offset
		if correctedSlot < 0 || uint64(correctedSlot) >= numSlots {
			continue
		}
		corrected := qkd.SlotId(correctedSlot)
		if _, isMarker := markers[corrected]; isMarker {
			continue
		}
		vals := valuesBySlot[s]
		var chosen qkd.Qubit
		if len(vals) == 1 {
			chosen = vals[0]
		} else {
			chosen = vals[rnd.Intn(len(vals))]
		}
		qubits = append(qubits, chosen)
		detected = append(detected, corrected)
	}

	return qubits, detected
}

// randIntn is the minimal surface BuildHistogram needs from math/rand.Rand,
// so tests can inject a deterministic source.
type randIntn interface {
	Intn(n int) int
}
