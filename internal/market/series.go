package market

import (
	"time"
)

// DefaultCapacity bounds each symbol's rolling history. At one quote
// per 30 s tick this covers several sessions.
const DefaultCapacity = 600

// series is the bounded price/volume/timestamp history for one symbol.
// Not safe for concurrent use; the Provider serializes access.
type series struct {
	prices  []float64
	volumes []float64
	times   []int64 // unix seconds
	max     int
}

func newSeries(capacity int) *series {
	return &series{
		prices:  make([]float64, 0, capacity),
		volumes: make([]float64, 0, capacity),
		times:   make([]int64, 0, capacity),
		max:     capacity,
	}
}

func (s *series) push(price, volume float64, ts time.Time) {
	s.prices = append(s.prices, price)
	s.volumes = append(s.volumes, volume)
	s.times = append(s.times, ts.Unix())

	if len(s.prices) > s.max {
		s.prices = s.prices[1:]
		s.volumes = s.volumes[1:]
		s.times = s.times[1:]
	}
}

func (s *series) len() int {
	return len(s.prices)
}

// pricesCopy returns the chronological price history as a fresh slice
func (s *series) pricesCopy() []float64 {
	out := make([]float64, len(s.prices))
	copy(out, s.prices)
	return out
}

func (s *series) volumesCopy() []float64 {
	out := make([]float64, len(s.volumes))
	copy(out, s.volumes)
	return out
}

func (s *series) last() (price float64, ts time.Time, ok bool) {
	if len(s.prices) == 0 {
		return 0, time.Time{}, false
	}
	n := len(s.prices) - 1
	return s.prices[n], time.Unix(s.times[n], 0), true
}

// SeriesSnapshot is the serializable form of one symbol's history,
// written into the warm-state snapshot.
type SeriesSnapshot struct {
	Prices  []float64 `msgpack:"prices"`
	Volumes []float64 `msgpack:"volumes"`
	Times   []int64   `msgpack:"times"`
}

func (s *series) snapshot() SeriesSnapshot {
	return SeriesSnapshot{
		Prices:  s.pricesCopy(),
		Volumes: s.volumesCopy(),
		Times:   append([]int64(nil), s.times...),
	}
}

// restore replaces the series contents, keeping only the newest
// capacity points when the snapshot is larger.
func (s *series) restore(snap SeriesSnapshot) {
	n := len(snap.Prices)
	if n != len(snap.Volumes) || n != len(snap.Times) {
		return
	}
	start := 0
	if n > s.max {
		start = n - s.max
	}
	s.prices = append(s.prices[:0], snap.Prices[start:]...)
	s.volumes = append(s.volumes[:0], snap.Volumes[start:]...)
	s.times = append(s.times[:0], snap.Times[start:]...)
}
