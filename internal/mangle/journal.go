// Package mangle keeps a deductive journal of executed plans. Every action
// outcome becomes an action_outcome fact; rules derive failures and degraded
// turns, and an optional schema file can add project-specific rules on top.
package mangle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"

	"kairu-assistant/internal/config"
)

// Outcome statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Predicates declared by the builtin schema.
const (
	PredOutcome  = "action_outcome"
	PredFailed   = "action_failed"
	PredDegraded = "turn_degraded"
)

const builtinSchema = `
Decl action_outcome(Turn, Index, Kind, Status).
Decl action_failed(Turn, Index, Kind).
Decl turn_degraded(Turn).

action_failed(T, I, K) :- action_outcome(T, I, K, "failed").
turn_degraded(T) :- action_failed(T, _, _).
`

// ErrDisabled is returned by queries when the journal is switched off.
var ErrDisabled = errors.New("plan journal disabled")

// Fact is a journal entry or a derived fact.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// Failure is one derived action_failed fact.
type Failure struct {
	Turn  string `json:"turn"`
	Index int    `json:"index"`
	Kind  string `json:"kind"`
}

// Report summarises the journal.
type Report struct {
	Outcomes      int       `json:"outcomes"`
	Failures      []Failure `json:"failures"`
	DegradedTurns []string  `json:"degradedTurns"`
}

// Journal wraps a mangle program and in-memory store. Safe for concurrent use.
type Journal struct {
	cfg config.JournalConfig
	log *zap.Logger

	mu          sync.RWMutex
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore
	facts       []Fact
}

// NewJournal analyzes the builtin schema plus cfg.SchemaPath when set.
func NewJournal(cfg config.JournalConfig, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	j := &Journal{
		cfg:   cfg,
		log:   log,
		store: factstore.NewSimpleInMemoryStore(),
	}
	if !cfg.Enable {
		return j, nil
	}

	src := []byte(builtinSchema)
	if cfg.SchemaPath != "" {
		extra, err := os.ReadFile(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		src = append(src, '\n')
		src = append(src, extra...)
	}

	unit, err := parse.Unit(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return nil, fmt.Errorf("analyze schema: %w", err)
	}
	j.programInfo = info
	return j, nil
}

// Enabled reports whether outcomes are being recorded.
func (j *Journal) Enabled() bool {
	return j != nil && j.cfg.Enable && j.programInfo != nil
}

// RecordOutcome adds one action_outcome fact and re-evaluates the program.
func (j *Journal) RecordOutcome(ctx context.Context, turn string, index int, kind, status string) error {
	if !j.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f := Fact{
		Predicate: PredOutcome,
		Args:      []interface{}{turn, index, kind, status},
		Timestamp: time.Now(),
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.facts = append(j.facts, f)
	if j.cfg.FactLimit > 0 && len(j.facts) > j.cfg.FactLimit {
		// The store cannot forget facts, so trimming rebuilds it.
		j.facts = j.facts[len(j.facts)-j.cfg.FactLimit:]
		j.store = factstore.NewSimpleInMemoryStore()
		for _, kept := range j.facts {
			j.store.Add(toAtom(kept))
		}
		j.log.Debug("journal trimmed", zap.Int("kept", len(j.facts)))
	} else {
		j.store.Add(toAtom(f))
	}

	if err := engine.EvalProgram(j.programInfo, j.store); err != nil {
		j.log.Warn("journal evaluation failed", zap.Error(err))
		return fmt.Errorf("eval program: %w", err)
	}
	return nil
}

// Evaluate returns every fact of predicate, derived or recorded.
func (j *Journal) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !j.Enabled() {
		return nil, ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	arity := -1
	for sym := range j.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}
	if arity < 0 {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}

	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	now := time.Now()
	out := make([]Fact, 0)
	err := j.store.GetFacts(query, func(a ast.Atom) error {
		vals := make([]interface{}, len(a.Args))
		for i, t := range a.Args {
			vals[i] = fromTerm(t)
		}
		out = append(out, Fact{Predicate: predicate, Args: vals, Timestamp: now})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return out, nil
}

// Failures lists the failed actions of turn, or of every turn when turn is
// empty, ordered by turn then index.
func (j *Journal) Failures(ctx context.Context, turn string) ([]Failure, error) {
	facts, err := j.Evaluate(ctx, PredFailed)
	if err != nil {
		return nil, err
	}
	out := make([]Failure, 0, len(facts))
	for _, f := range facts {
		fl := Failure{
			Turn:  asString(f.Args[0]),
			Index: asInt(f.Args[1]),
			Kind:  asString(f.Args[2]),
		}
		if turn != "" && fl.Turn != turn {
			continue
		}
		out = append(out, fl)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Turn != out[b].Turn {
			return out[a].Turn < out[b].Turn
		}
		return out[a].Index < out[b].Index
	})
	return out, nil
}

// DegradedTurns lists turns with at least one failed action.
func (j *Journal) DegradedTurns(ctx context.Context) ([]string, error) {
	facts, err := j.Evaluate(ctx, PredDegraded)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		out = append(out, asString(f.Args[0]))
	}
	sort.Strings(out)
	return out, nil
}

// Report gathers outcome count, failures and degraded turns.
func (j *Journal) Report(ctx context.Context) (Report, error) {
	failures, err := j.Failures(ctx, "")
	if err != nil {
		return Report{}, err
	}
	degraded, err := j.DegradedTurns(ctx)
	if err != nil {
		return Report{}, err
	}
	j.mu.RLock()
	n := len(j.facts)
	j.mu.RUnlock()
	return Report{Outcomes: n, Failures: failures, DegradedTurns: degraded}, nil
}

// Facts returns a copy of the recorded outcomes.
func (j *Journal) Facts() []Fact {
	if j == nil {
		return nil
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Fact, len(j.facts))
	copy(out, j.facts)
	return out
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, v := range f.Args {
		args[i] = toConstant(v)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func fromTerm(t ast.BaseTerm) interface{} {
	c, ok := t.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", t)
	}
	switch c.Type {
	case ast.StringType:
		s, err := c.StringValue()
		if err != nil {
			return c.Symbol
		}
		return s
	case ast.NumberType:
		return c.NumValue
	case ast.Float64Type:
		if f, err := c.Float64Value(); err == nil {
			return f
		}
	}
	return c.String()
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return -1
}
