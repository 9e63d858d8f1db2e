package alignment

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/qkd"
	"github.com/cqp-go/siteagent/pkg/logger"
)

type fakePeer struct {
	markers      qkd.QubitByIndex
	markersErr   error
	discarded    []qkd.SlotId
	discardedOff int64
}

func (p *fakePeer) GetAlignmentMarks(ctx context.Context, frame qkd.FrameId) (qkd.QubitByIndex, error) {
	return p.markers, p.markersErr
}

func (p *fakePeer) DiscardTransmissions(ctx context.Context, detected []qkd.SlotId, offset int64) error {
	p.discarded = detected
	p.discardedOff = offset
	return nil
}

func basisOf(r int) qkd.Basis {
	if r%4 < 2 {
		return qkd.BasisRectilinear
	}
	return qkd.BasisDiagonal
}

func bitOf(r int) uint8 {
	return uint8(r % 2)
}

func buildReports(numRaw int, slotWidth, pulseWidth int64, peakBin int64) []qkd.DetectionReport {
	reports := make([]qkd.DetectionReport, 0, numRaw)
	for r := 0; r < numRaw; r++ {
		t := int64(r)*slotWidth + peakBin*pulseWidth
		reports = append(reports, qkd.DetectionReport{
			Time:  qkd.PicoTime(t),
			Value: qkd.Qubit{Basis: basisOf(r), Bit: bitOf(r)},
		})
	}
	return reports
}

func TestBuildHistogram_HappyPath(t *testing.T) {
	g := New(logger.NewNop(), 4, rand.New(rand.NewSource(1)))
	require.NoError(t, g.SetSystemParameters(domain.SystemParameters{
		FrameWidthPs:        100_000,
		SlotWidthPs:         2_000,
		PulseWidthPs:        100,
		SlotOffsetTestRange: 10,
		AcceptanceRatio:     0.5,
	}))

	reports := buildReports(50, 2_000, 100, 7)

	const trueOffset = 3
	markers := qkd.QubitByIndex{
		3: {Basis: basisOf(0), Bit: bitOf(0)},
		4: {Basis: basisOf(1), Bit: bitOf(1)},
		5: {Basis: basisOf(2), Bit: bitOf(2)},
	}
	peer := &fakePeer{markers: markers}

	qubits, err := g.BuildHistogram(context.Background(), reports, 1, peer)
	require.NoError(t, err)

	assert.EqualValues(t, trueOffset, g.SlotIdOffset())
	// 50 raw slots, minus 3 pushed past numSlots by the +3 offset, minus 3
	// consumed as markers.
	assert.Len(t, qubits, 44)
	assert.Len(t, peer.discarded, 44)
	assert.EqualValues(t, trueOffset, peer.discardedOff)
}

func TestBuildHistogram_EmptyMarkers(t *testing.T) {
	g := New(logger.NewNop(), 2, rand.New(rand.NewSource(2)))
	require.NoError(t, g.SetSystemParameters(domain.SystemParameters{
		FrameWidthPs:        10_000,
		SlotWidthPs:         1_000,
		PulseWidthPs:        100,
		SlotOffsetTestRange: 4,
		AcceptanceRatio:     0.5,
	}))

	reports := buildReports(10, 1_000, 100, 2)
	peer := &fakePeer{markers: nil}

	qubits, err := g.BuildHistogram(context.Background(), reports, 1, peer)
	require.NoError(t, err)
	assert.Empty(t, qubits)
}

func TestSetSystemParameters_RejectsZero(t *testing.T) {
	g := New(logger.NewNop(), 1, nil)
	err := g.SetSystemParameters(domain.SystemParameters{
		FrameWidthPs:        0,
		SlotWidthPs:         1_000,
		PulseWidthPs:        100,
		SlotOffsetTestRange: 10,
		AcceptanceRatio:     0.5,
	})
	assert.Error(t, err)

	err = g.SetSystemParameters(domain.SystemParameters{
		FrameWidthPs:        10_000,
		SlotWidthPs:         1_000,
		PulseWidthPs:        100,
		SlotOffsetTestRange: 10,
		AcceptanceRatio:     1.5,
	})
	assert.Error(t, err)
}
