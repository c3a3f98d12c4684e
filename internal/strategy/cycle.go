package strategy

// Cycle is the per-symbol position-cycle state. It is owned by a single
// runner goroutine and carries no locking.
type Cycle struct {
	maxOrders int

	side     Side
	qtyAbs   float64
	band     Band
	orders   int
	armed    bool
	inflight bool
}

type CycleState struct {
	Side          Side
	QtyAbs        float64
	Band          Band
	OrdersInCycle int
	MaxOrders     int
	Armed         bool
	Inflight      bool
}

func NewCycle(maxOrders int) *Cycle {
	if maxOrders < 1 {
		maxOrders = 1
	}
	return &Cycle{
		maxOrders: maxOrders,
		side:      SideFlat,
		band:      BandNone,
		armed:     true,
	}
}

// EnterBand restarts the cycle when the band changes and reports whether
// it did.
func (c *Cycle) EnterBand(band Band) bool {
	if band == c.band {
		return false
	}
	c.band = band
	c.orders = 0
	c.armed = true
	return true
}

func (c *Cycle) RearmFromNeutral() {
	c.armed = true
}

func (c *Cycle) ConsumeAndDisarm() {
	if c.orders < c.maxOrders {
		c.orders++
	}
	c.armed = false
}

func (c *Cycle) SetInflight() {
	c.inflight = true
}

// ClearInflight releases the inflight gate and reports whether it was set.
func (c *Cycle) ClearInflight() bool {
	was := c.inflight
	c.inflight = false
	return was
}

// ApplyPosition overwrites side and size from a net quantity. Band, armed
// and inflight are untouched. It reports whether anything changed.
func (c *Cycle) ApplyPosition(netQty float64) bool {
	side := SideFlat
	qty := netQty
	switch {
	case netQty > 0:
		side = SideLong
	case netQty < 0:
		side = SideShort
		qty = -netQty
	default:
		qty = 0
	}
	if side == c.side && qty == c.qtyAbs {
		return false
	}
	c.side = side
	c.qtyAbs = qty
	return true
}

func (c *Cycle) Side() Side { return c.side }
func (c *Cycle) QtyAbs() float64 { return c.qtyAbs }
func (c *Cycle) Band() Band { return c.band }
func (c *Cycle) OrdersInCycle() int { return c.orders }
func (c *Cycle) Armed() bool { return c.armed }
func (c *Cycle) Inflight() bool { return c.inflight }
func (c *Cycle) MaxOrders() int { return c.maxOrders }
func (c *Cycle) CapReached() bool { return c.orders >= c.maxOrders }

func (c *Cycle) State() CycleState {
	return CycleState{
		Side:          c.side,
		QtyAbs:        c.qtyAbs,
		Band:          c.band,
		OrdersInCycle: c.orders,
		MaxOrders:     c.maxOrders,
		Armed:         c.armed,
		Inflight:      c.inflight,
	}
}
