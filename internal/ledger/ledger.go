// Package ledger tracks the open position per (account, instrument) and
// realizes PnL from confirmed fills.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

const epsilon = 1e-9

var (
	// ErrUnexpectedFill marks fills that do not match the ledger's state.
	ErrUnexpectedFill = errors.New("unexpected fill")
	// ErrInvalidFill marks fills with unusable fields.
	ErrInvalidFill = errors.New("invalid fill")
)

// Key identifies a position slot.
type Key struct {
	AccountID  string
	Instrument string
}

func (k Key) String() string { return k.AccountID + "/" + k.Instrument }

// Position is the ledger's view of one slot. A Flat position has zero
// quantity and entry price.
type Position struct {
	AccountID     string
	Instrument    string
	Direction     sig.Direction
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
	RealizedPnL   float64
	LastMark      float64
	EntryOrderID  string
	UpdatedAt     time.Time
}

// Open reports whether the position is non-Flat.
func (p Position) Open() bool { return p.Direction != sig.Flat }

// Outcome describes what a fill did to its position.
type Outcome struct {
	Position Position
	Realized float64
	Opened   bool
	Closed   bool
	Reversed bool
}

// Entry is the journal record of an applied fill.
type Entry struct {
	Fill      broker.Fill `json:"fill"`
	Realized  float64     `json:"realized"`
	Direction string      `json:"direction"`
	Quantity  float64     `json:"quantity"`
	Entry     float64     `json:"entry_price"`
}

// FillRecorder captures applied fills for later inspection.
type FillRecorder interface {
	Record(Entry)
}

// Ledger is the only writer of positions. Fills must be applied from a
// single goroutine per key; reads are served from copies.
type Ledger struct {
	mu        sync.Mutex
	positions map[Key]*Position
	recorder  FillRecorder
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithRecorder journals every applied fill.
func WithRecorder(r FillRecorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{positions: make(map[Key]*Position)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply transitions the position for the fill's key. Inconsistent fills
// return an error and leave the ledger untouched.
func (l *Ledger) Apply(f broker.Fill) (Outcome, error) {
	if err := validateFill(f); err != nil {
		return Outcome{}, err
	}
	dir := sig.Long
	if f.Side == broker.Sell {
		dir = sig.Short
	}
	ref := orderRef(f)
	key := Key{AccountID: f.AccountID, Instrument: f.Instrument}

	l.mu.Lock()
	pos, ok := l.positions[key]
	if !ok {
		pos = &Position{AccountID: f.AccountID, Instrument: f.Instrument}
		l.positions[key] = pos
	}

	var out Outcome
	switch {
	case pos.Direction == sig.Flat:
		pos.open(dir, f.Quantity, f.Price, ref)
		out.Opened = true

	case pos.Direction == dir:
		if ref == "" || ref != pos.EntryOrderID {
			l.mu.Unlock()
			return Outcome{}, fmt.Errorf("%w: %s %s fill while already %s (order %q, entry %q)",
				ErrUnexpectedFill, key, f.Side, pos.Direction, ref, pos.EntryOrderID)
		}
		total := pos.Quantity + f.Quantity
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + f.Price*f.Quantity) / total
		pos.Quantity = total

	default:
		closing := math.Min(f.Quantity, pos.Quantity)
		pnl := (f.Price - pos.EntryPrice) * closing
		if pos.Direction == sig.Short {
			pnl = -pnl
		}
		out.Realized = pnl
		pos.RealizedPnL += pnl
		pos.Quantity -= closing
		if pos.Quantity <= epsilon {
			pos.flatten()
			out.Closed = true
		}
		if rest := f.Quantity - closing; rest > epsilon {
			pos.open(dir, rest, f.Price, ref)
			out.Reversed = true
		}
	}
	pos.remark()
	pos.UpdatedAt = f.Ts
	out.Position = *pos
	l.mu.Unlock()

	if l.recorder != nil {
		l.recorder.Record(Entry{
			Fill:      f,
			Realized:  out.Realized,
			Direction: out.Position.Direction.String(),
			Quantity:  out.Position.Quantity,
			Entry:     out.Position.EntryPrice,
		})
	}
	return out, nil
}

// Mark revalues every open position on the instrument at the given mid.
// Equity is never touched.
func (l *Ledger) Mark(instrument string, mid float64) {
	if mid <= 0 || math.IsNaN(mid) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, pos := range l.positions {
		if key.Instrument != instrument || !pos.Open() {
			continue
		}
		pos.LastMark = mid
		pos.remark()
	}
}

// Seed restores a venue-reported position into a Flat slot.
func (l *Ledger) Seed(p broker.Position) error {
	if p.Quantity == 0 {
		return nil
	}
	if p.AccountID == "" || p.Instrument == "" || p.AvgPrice <= 0 {
		return fmt.Errorf("%w: seed %+v", ErrInvalidFill, p)
	}
	key := Key{AccountID: p.AccountID, Instrument: p.Instrument}

	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[key]
	if ok && pos.Open() {
		return fmt.Errorf("%w: seed into open position %s", ErrUnexpectedFill, key)
	}
	if !ok {
		pos = &Position{AccountID: p.AccountID, Instrument: p.Instrument}
		l.positions[key] = pos
	}
	dir := sig.Long
	if p.Quantity < 0 {
		dir = sig.Short
	}
	pos.open(dir, math.Abs(p.Quantity), p.AvgPrice, "")
	return nil
}

// Position returns a copy of the slot; missing slots read as Flat.
func (l *Ledger) Position(accountID, instrument string) Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[Key{AccountID: accountID, Instrument: instrument}]; ok {
		return *pos
	}
	return Position{AccountID: accountID, Instrument: instrument}
}

// Positions returns copies of every open position ordered by key.
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		if pos.Open() {
			out = append(out, *pos)
		}
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

func (p *Position) open(dir sig.Direction, qty, price float64, ref string) {
	p.Direction = dir
	p.Quantity = qty
	p.EntryPrice = price
	p.EntryOrderID = ref
}

func (p *Position) flatten() {
	p.Direction = sig.Flat
	p.Quantity = 0
	p.EntryPrice = 0
	p.EntryOrderID = ""
	p.UnrealizedPnL = 0
}

func (p *Position) remark() {
	if !p.Open() || p.LastMark <= 0 {
		p.UnrealizedPnL = 0
		return
	}
	u := (p.LastMark - p.EntryPrice) * p.Quantity
	if p.Direction == sig.Short {
		u = -u
	}
	p.UnrealizedPnL = u
}

func orderRef(f broker.Fill) string {
	if f.ClientOrderID != "" {
		return f.ClientOrderID
	}
	return f.OrderID
}

func validateFill(f broker.Fill) error {
	switch {
	case f.AccountID == "" || f.Instrument == "":
		return fmt.Errorf("%w: missing account or instrument", ErrInvalidFill)
	case f.Side != broker.Buy && f.Side != broker.Sell:
		return fmt.Errorf("%w: side %q", ErrInvalidFill, f.Side)
	case !(f.Quantity > 0) || math.IsInf(f.Quantity, 0):
		return fmt.Errorf("%w: quantity %v", ErrInvalidFill, f.Quantity)
	case !(f.Price > 0) || math.IsInf(f.Price, 0):
		return fmt.Errorf("%w: price %v", ErrInvalidFill, f.Price)
	}
	return nil
}
