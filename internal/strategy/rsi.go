package strategy

// RSI computes Wilder's relative strength index over closes. It reports
// ok=false until at least period+1 closes are available.
func RSI(closes []float64, period int) (float64, bool) {
	if period < 1 || len(closes) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	p := float64(period)
	avgGain := gain / p
	avgLoss := loss / p
	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		var up, down float64
		if delta > 0 {
			up = delta
		} else {
			down = -delta
		}
		avgGain = (avgGain*(p-1) + up) / p
		avgLoss = (avgLoss*(p-1) + down) / p
	}
	if avgLoss == 0 {
		return 100, true
	}
	return 100 - 100/(1+avgGain/avgLoss), true
}

// CloseSeries keeps the most recent closes up to a fixed retention.
type CloseSeries struct {
	retention int
	values    []float64
	total     int
}

func NewCloseSeries(retention int) *CloseSeries {
	if retention < 1 {
		retention = 1
	}
	return &CloseSeries{retention: retention, values: make([]float64, 0, retention)}
}

func (s *CloseSeries) Append(v float64) {
	s.total++
	if len(s.values) == s.retention {
		copy(s.values, s.values[1:])
		s.values[len(s.values)-1] = v
		return
	}
	s.values = append(s.values, v)
}

// Values returns the retained closes, oldest first. The slice is shared
// and only valid until the next Append.
func (s *CloseSeries) Values() []float64 {
	return s.values
}

func (s *CloseSeries) Len() int {
	return len(s.values)
}

// Total counts every close ever appended, evicted ones included.
func (s *CloseSeries) Total() int {
	return s.total
}
