// Package dqm is the data-quality rule engine shared by the silver and gold
// layers. Rules come from the control plane ordered by qc_id; each executed
// rule appends one log_dqm_dtl row, and passing rows flow to the next rule.
package dqm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/datacraft-io/lakehouse/internal/catalog"
	"github.com/datacraft-io/lakehouse/internal/frame"
	"github.com/datacraft-io/lakehouse/internal/pattern"
	"github.com/datacraft-io/lakehouse/internal/sqlctx"
)

// Rule kinds recognized by the engine.
const (
	RuleNull    = "null"
	RuleUnique  = "unique"
	RuleLength  = "length"
	RuleDate    = "date"
	RuleInteger = "integer"
	RuleDecimal = "decimal"
	RuleDomain  = "domain"
	RuleCustom  = "custom"
)

var (
	// ErrCriticalBreach is returned when a critical rule's failure
	// percentage reaches its threshold. The dataset aborts for this batch.
	ErrCriticalBreach = errors.New("critical quality rule breached")

	// ErrUnknownRuleType is returned for a qc_type outside the taxonomy.
	ErrUnknownRuleType = errors.New("unknown quality rule type")

	// ErrBadRuleParams is returned when qc_param cannot be parsed for the
	// rule kind.
	ErrBadRuleParams = errors.New("invalid quality rule parameters")
)

var (
	integerRegex = regexp.MustCompile(`^-?\d+$`)
	decimalRegex = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// Target identifies the unit of work a gate run belongs to.
type Target struct {
	ProcessID  int
	DatasetID  int
	BatchID    int64
	SourceFile string
}

// Engine applies quality rules and records their outcomes.
type Engine struct {
	store  *catalog.Store
	logger *slog.Logger
}

// New creates a quality engine over the control-plane store.
func New(store *catalog.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Apply runs the rules in order against the frame and returns the rows that
// passed every rule. A critical breach logs FAILED and returns
// ErrCriticalBreach before any later rule runs. With zero rules the frame
// passes through and a single summary row is recorded.
func (e *Engine) Apply(ctx context.Context, f *frame.Frame, rules []catalog.QualityRule, target Target) (*frame.Frame, error) {
	if len(rules) == 0 {
		if err := e.logOutcome(ctx, catalog.QualityRule{}, target, 0, 0, catalog.StatusSucceeded, time.Now()); err != nil {
			return nil, err
		}

		e.logger.Info("no quality rules configured, passing through",
			slog.Int("dataset_id", target.DatasetID),
			slog.Int64("batch_id", target.BatchID),
		)

		return f, nil
	}

	current := f

	for _, rule := range rules {
		next, err := e.applyRule(ctx, current, rule, target)
		if err != nil {
			return nil, err
		}

		current = next
	}

	return current, nil
}

func (e *Engine) applyRule(ctx context.Context, f *frame.Frame, rule catalog.QualityRule, target Target) (*frame.Frame, error) {
	startedAt := time.Now()
	total := f.NumRows()

	// qc_filter scopes the rule: rows outside the filter bypass it.
	scope := make([]bool, total)
	for i := range scope {
		scope[i] = true
	}

	if strings.TrimSpace(rule.QcFilter) != "" {
		selected, err := predicateMask(ctx, f, rule.QcFilter)
		if err != nil {
			return nil, fmt.Errorf("evaluating qc_filter of rule %d: %w", rule.QcID, err)
		}

		scope = selected
	}

	passing, err := e.evaluate(ctx, f, rule, scope)
	if err != nil {
		if logErr := e.logOutcome(ctx, rule, target, 0, 0, catalog.StatusFailed, startedAt); logErr != nil {
			return nil, errors.Join(err, logErr)
		}

		return nil, err
	}

	failed := 0

	for row := range total {
		// Out-of-scope rows remain passing.
		if !scope[row] {
			passing[row] = true
		}

		if !passing[row] {
			failed++
		}
	}

	if failed == 0 {
		if err := e.logOutcome(ctx, rule, target, 0, 0, catalog.StatusSucceeded, startedAt); err != nil {
			return nil, err
		}

		return f, nil
	}

	failedPct := float64(failed) / float64(total) * 100

	if rule.Criticality == catalog.CriticalityCritical && failedPct >= float64(rule.CriticalityThresholdPct) {
		if err := e.logOutcome(ctx, rule, target, failed, failedPct, catalog.StatusFailed, startedAt); err != nil {
			return nil, err
		}

		e.logger.Error("critical quality rule breached",
			slog.Int("qc_id", rule.QcID),
			slog.String("qc_type", rule.QcType),
			slog.Int("error_count", failed),
			slog.Float64("error_pct", failedPct),
			slog.Int("threshold_pct", rule.CriticalityThresholdPct),
		)

		return nil, fmt.Errorf("%w: rule %d (%s) on dataset %d failed %.2f%% of rows",
			ErrCriticalBreach, rule.QcID, rule.QcType, target.DatasetID, failedPct)
	}

	// Below threshold or non-critical: trim to passing rows and continue.
	if err := e.logOutcome(ctx, rule, target, failed, failedPct, catalog.StatusSucceeded, startedAt); err != nil {
		return nil, err
	}

	e.logger.Warn("quality rule trimmed failing rows",
		slog.Int("qc_id", rule.QcID),
		slog.String("qc_type", rule.QcType),
		slog.Int("error_count", failed),
		slog.Int("total", total),
	)

	return f.Filter(passing)
}

// evaluate produces the passing mask of one rule over the scoped rows.
func (e *Engine) evaluate(ctx context.Context, f *frame.Frame, rule catalog.QualityRule, scope []bool) ([]bool, error) {
	switch rule.QcType {
	case RuleNull:
		return cellMask(f, rule.ColumnName, func(v frame.Value) bool {
			return v.Valid
		})
	case RuleUnique:
		return uniqueMask(f, rule.ColumnName, scope)
	case RuleLength:
		return lengthMask(f, rule)
	case RuleDate:
		re, err := regexp.Compile(pattern.DateRegex(rule.QcParam))
		if err != nil {
			return nil, fmt.Errorf("%w: date regex for %q: %w", ErrBadRuleParams, rule.QcParam, err)
		}

		return regexMask(f, rule.ColumnName, re)
	case RuleInteger:
		return regexMask(f, rule.ColumnName, integerRegex)
	case RuleDecimal:
		return regexMask(f, rule.ColumnName, decimalRegex)
	case RuleDomain:
		return domainMask(f, rule)
	case RuleCustom:
		return predicateMask(ctx, f, rule.QcParam)
	default:
		return nil, fmt.Errorf("%w: %q (rule %d)", ErrUnknownRuleType, rule.QcType, rule.QcID)
	}
}

func cellMask(f *frame.Frame, column string, pass func(frame.Value) bool) ([]bool, error) {
	cells, err := f.Column(column)
	if err != nil {
		return nil, err
	}

	mask := make([]bool, len(cells))
	for i, cell := range cells {
		mask[i] = pass(cell)
	}

	return mask, nil
}

// regexMask passes valid cells matching the expression. Nulls fail.
func regexMask(f *frame.Frame, column string, re *regexp.Regexp) ([]bool, error) {
	return cellMask(f, column, func(v frame.Value) bool {
		return v.Valid && re.MatchString(v.Str)
	})
}

// uniqueMask passes the first scoped occurrence of every key combination.
// The rule's column_name may name several columns, comma-separated.
func uniqueMask(f *frame.Frame, columnList string, scope []bool) ([]bool, error) {
	names := strings.Split(columnList, ",")
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}

	columns := make([][]frame.Value, len(names))

	for i, name := range names {
		col, err := f.Column(name)
		if err != nil {
			return nil, err
		}

		columns[i] = col
	}

	seen := make(map[string]bool)
	mask := make([]bool, f.NumRows())

	for row := range mask {
		if !scope[row] {
			continue
		}

		var b strings.Builder

		for _, col := range columns {
			if col[row].Valid {
				b.WriteByte('v')
				b.WriteString(col[row].Str)
			} else {
				b.WriteByte('n')
			}

			b.WriteByte(0)
		}

		key := b.String()
		if !seen[key] {
			seen[key] = true
			mask[row] = true
		}
	}

	return mask, nil
}

type lengthParams struct {
	Expression string `json:"expression"`
	Value      int    `json:"value"`
}

func lengthMask(f *frame.Frame, rule catalog.QualityRule) ([]bool, error) {
	var params lengthParams
	if err := json.Unmarshal([]byte(rule.QcParam), &params); err != nil {
		return nil, fmt.Errorf("%w: length rule %d: %w", ErrBadRuleParams, rule.QcID, err)
	}

	var compare func(int) bool

	switch params.Expression {
	case "<":
		compare = func(n int) bool { return n < params.Value }
	case "<=":
		compare = func(n int) bool { return n <= params.Value }
	case "==":
		compare = func(n int) bool { return n == params.Value }
	case ">=":
		compare = func(n int) bool { return n >= params.Value }
	case ">":
		compare = func(n int) bool { return n > params.Value }
	default:
		return nil, fmt.Errorf("%w: length expression %q", ErrBadRuleParams, params.Expression)
	}

	return cellMask(f, rule.ColumnName, func(v frame.Value) bool {
		return v.Valid && compare(len(v.Str))
	})
}

func domainMask(f *frame.Frame, rule catalog.QualityRule) ([]bool, error) {
	allowed := make(map[string]bool)
	for _, value := range strings.Split(rule.QcParam, ",") {
		allowed[strings.TrimSpace(value)] = true
	}

	return cellMask(f, rule.ColumnName, func(v frame.Value) bool {
		return v.Valid && allowed[v.Str]
	})
}

// rowIDColumn carries the original row position through the SQL context so
// predicate hits map back onto the frame.
const rowIDColumn = "__row_id"

// predicateMask evaluates a SQL predicate against the frame registered as
// "staging" and passes the rows the predicate selects.
func predicateMask(ctx context.Context, f *frame.Frame, predicate string) ([]bool, error) {
	sql, err := sqlctx.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = sql.Close() }()

	numbered := frame.New(append(f.Columns(), rowIDColumn)...)

	for row := range f.NumRows() {
		cells := append(f.Row(row), frame.String(fmt.Sprintf("%d", row)))
		if err := numbered.AppendRow(cells...); err != nil {
			return nil, err
		}
	}

	if err := sql.Register(ctx, "staging", numbered); err != nil {
		return nil, err
	}

	hits, err := sql.Query(ctx, fmt.Sprintf("SELECT %s FROM staging WHERE %s", rowIDColumn, predicate))
	if err != nil {
		return nil, fmt.Errorf("evaluating predicate %q: %w", predicate, err)
	}

	mask := make([]bool, f.NumRows())

	ids, err := hits.Column(rowIDColumn)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		var row int
		if _, err := fmt.Sscanf(id.Str, "%d", &row); err == nil && row >= 0 && row < len(mask) {
			mask[row] = true
		}
	}

	return mask, nil
}

// logOutcome appends the rule's log_dqm_dtl row. error_pct is stored
// rounded to the nearest integer; criticality comparisons use the float.
func (e *Engine) logOutcome(ctx context.Context, rule catalog.QualityRule, target Target, errorCount int, errorPct float64, status string, startedAt time.Time) error {
	return e.store.InsertQualityLog(ctx, &catalog.QualityLog{
		ProcessID:               target.ProcessID,
		DatasetID:               target.DatasetID,
		BatchID:                 target.BatchID,
		SourceFile:              target.SourceFile,
		ColumnName:              rule.ColumnName,
		QcType:                  rule.QcType,
		QcParam:                 rule.QcParam,
		QcFilter:                rule.QcFilter,
		Criticality:             rule.Criticality,
		CriticalityThresholdPct: rule.CriticalityThresholdPct,
		ErrorCount:              errorCount,
		ErrorPct:                int(math.Round(errorPct)),
		Status:                  status,
		DqmStartTime:            startedAt,
		DqmEndTime:              time.Now(),
	})
}
