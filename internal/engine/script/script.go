// Package script runs custom compliance expressions in a restricted expression language.
// Expressions see a read-only view of one asset and must yield a boolean.
package script

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"insurewatch/internal/domain"
)

// ErrScript wraps every compile, runtime, timeout or panic failure.
var ErrScript = errors.New("script evaluation failed")

// AssetEnv is the asset as seen by an expression.
type AssetEnv struct {
	ID                  string  `expr:"id"`
	AssetTag            string  `expr:"asset_tag"`
	AssetType           string  `expr:"asset_type"`
	Make                string  `expr:"make"`
	Model               string  `expr:"model"`
	Year                int     `expr:"year"`
	SerialNumber        string  `expr:"serial_number"`
	VIN                 string  `expr:"vin"`
	Status              string  `expr:"status"`
	InsuredValue        float64 `expr:"insured_value"`
	HasPurchaseDate     bool    `expr:"has_purchase_date"`
	AgeDays             int     `expr:"age_days"`
	DaysSinceInspection int     `expr:"days_since_inspection"`
}

// Env is the root environment; expressions address fields as asset.<name>.
type Env struct {
	Asset AssetEnv `expr:"asset"`
}

// NewEnv projects a into the expression environment as of now. Missing dates yield -1.
func NewEnv(a domain.Asset, now time.Time) Env {
	env := AssetEnv{
		ID:                  a.ID,
		AssetTag:            a.AssetTag,
		AssetType:           a.AssetType,
		Make:                a.Make,
		Model:               a.Model,
		Year:                a.Year,
		SerialNumber:        a.SerialNumber,
		VIN:                 a.VIN,
		Status:              a.Status,
		HasPurchaseDate:     a.PurchaseDate != nil,
		AgeDays:             -1,
		DaysSinceInspection: -1,
	}
	if a.InsuredValue != nil {
		env.InsuredValue = *a.InsuredValue
	}
	if a.PurchaseDate != nil {
		env.AgeDays = wholeDays(now.Sub(*a.PurchaseDate))
	}
	if a.LastInspectionDate != nil {
		env.DaysSinceInspection = wholeDays(now.Sub(*a.LastInspectionDate))
	}
	return Env{Asset: env}
}

func wholeDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}

// Evaluator compiles and caches expressions and runs them under a hard timeout.
type Evaluator struct {
	Timeout time.Duration

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewEvaluator(timeout time.Duration) *Evaluator {
	return &Evaluator{Timeout: timeout, programs: map[string]*vm.Program{}}
}

// Compile checks that src is a valid boolean expression over Env.
func (e *Evaluator) Compile(src string) error {
	_, err := e.program(src)
	return err
}

func (e *Evaluator) program(src string) (*vm.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[src]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrScript, err)
	}
	e.mu.Lock()
	if e.programs == nil {
		e.programs = map[string]*vm.Program{}
	}
	e.programs[src] = p
	e.mu.Unlock()
	return p, nil
}

type outcome struct {
	ok  bool
	err error
}

// Evaluate runs src against the asset. The script timeout applies regardless of ctx.
func (e *Evaluator) Evaluate(ctx context.Context, src string, a domain.Asset, now time.Time) (bool, error) {
	p, err := e.program(src)
	if err != nil {
		return false, err
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	env := NewEnv(a, now)
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", ErrScript, r)}
			}
		}()
		out, err := expr.Run(p, env)
		if err != nil {
			done <- outcome{err: fmt.Errorf("%w: %v", ErrScript, err)}
			return
		}
		b, ok := out.(bool)
		if !ok {
			done <- outcome{err: fmt.Errorf("%w: result is %T, not bool", ErrScript, out)}
			return
		}
		done <- outcome{ok: b}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.ok, res.err
	case <-timer.C:
		return false, fmt.Errorf("%w: timed out after %s", ErrScript, timeout)
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %v", ErrScript, ctx.Err())
	}
}
