package postprocess

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"querydeck/internal/domain"
)

type opFunc func(*Frame, map[string]interface{}) (*Frame, error)

var operations = map[string]opFunc{
	"aggregation":  opAggregation,
	"pivot":        opPivot,
	"rolling":      opRolling,
	"resample":     opResample,
	"compare":      opCompare,
	"sort":         opSort,
	"contribution": opContribution,
	"cum":          opCum,
	"prophet":      opProphet,
}

// Apply runs the pipeline in order. An empty pipeline returns the input frame
// untouched.
func Apply(f *Frame, ops []domain.PostProcessingOp) (*Frame, error) {
	cur := f
	for _, op := range ops {
		fn, ok := operations[op.Operation]
		if !ok {
			return nil, domain.ErrValidation("unknown post-processing operation %q", op.Operation)
		}
		next, err := fn(cur, op.Options)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// option decoding

func optStrings(opts map[string]interface{}, key string) []string {
	raw, ok := opts[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func optString(opts map[string]interface{}, key, fallback string) string {
	if s, ok := opts[key].(string); ok {
		return s
	}
	return fallback
}

func optInt(opts map[string]interface{}, key string, fallback int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func optBool(opts map[string]interface{}, key string, fallback bool) bool {
	if b, ok := opts[key].(bool); ok {
		return b
	}
	return fallback
}

// aggSpec is one named aggregate in aggregation/pivot options.
type aggSpec struct {
	label    string
	column   string
	operator string
}

func parseAggregates(opts map[string]interface{}, op string) ([]aggSpec, error) {
	raw, ok := opts["aggregates"].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil, domain.ErrValidation("%s: aggregates are required", op)
	}
	labels := make([]string, 0, len(raw))
	for label := range raw {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	specs := make([]aggSpec, 0, len(labels))
	for _, label := range labels {
		body, ok := raw[label].(map[string]interface{})
		if !ok {
			return nil, domain.ErrValidation("%s: aggregate %q is malformed", op, label)
		}
		spec := aggSpec{
			label:    label,
			column:   optString(body, "column", label),
			operator: optString(body, "operator", "sum"),
		}
		switch spec.operator {
		case "sum", "mean", "min", "max", "count":
		default:
			return nil, domain.ErrValidation("%s: unknown aggregate operator %q", op, spec.operator)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

type accumulator struct {
	sum   float64
	min   float64
	max   float64
	count int
}

func (a *accumulator) add(v float64) {
	if a.count == 0 {
		a.min, a.max = v, v
	} else {
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
	}
	a.sum += v
	a.count++
}

func (a *accumulator) result(operator string) interface{} {
	if a.count == 0 {
		return nil
	}
	switch operator {
	case "sum":
		return a.sum
	case "mean":
		return a.sum / float64(a.count)
	case "min":
		return a.min
	case "max":
		return a.max
	case "count":
		return float64(a.count)
	}
	return nil
}

func groupKey(row []interface{}, idx []int) string {
	parts := make([]string, len(idx))
	for i, j := range idx {
		parts[i] = fmt.Sprint(row[j])
	}
	return strings.Join(parts, "\x00")
}

// opAggregation re-groups the frame in memory.
func opAggregation(f *Frame, opts map[string]interface{}) (*Frame, error) {
	groupby := optStrings(opts, "groupby")
	specs, err := parseAggregates(opts, "aggregation")
	if err != nil {
		return nil, err
	}

	groupIdx := make([]int, len(groupby))
	for i, name := range groupby {
		if groupIdx[i], err = mustColumn(f, name, "aggregation"); err != nil {
			return nil, err
		}
	}
	colIdx := make([]int, len(specs))
	for i, spec := range specs {
		if colIdx[i], err = mustColumn(f, spec.column, "aggregation"); err != nil {
			return nil, err
		}
	}

	type group struct {
		keyRow []interface{}
		accs   []accumulator
	}
	var order []string
	groups := map[string]*group{}

	for _, row := range f.Rows {
		key := groupKey(row, groupIdx)
		g, ok := groups[key]
		if !ok {
			keyRow := make([]interface{}, len(groupIdx))
			for i, j := range groupIdx {
				keyRow[i] = row[j]
			}
			g = &group{keyRow: keyRow, accs: make([]accumulator, len(specs))}
			groups[key] = g
			order = append(order, key)
		}
		for i, j := range colIdx {
			if v, ok := numeric(row[j]); ok {
				g.accs[i].add(v)
			}
		}
	}

	columns := append(append([]string{}, groupby...), labelsOf(specs)...)
	rows := make([][]interface{}, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := append([]interface{}{}, g.keyRow...)
		for i, spec := range specs {
			row = append(row, g.accs[i].result(spec.operator))
		}
		rows = append(rows, row)
	}
	return NewFrame(columns, rows), nil
}

func labelsOf(specs []aggSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.label
	}
	return out
}

// opPivot reshapes long to wide: one output row per index key, one output
// column per (aggregate, pivot value) pair.
func opPivot(f *Frame, opts map[string]interface{}) (*Frame, error) {
	index := optStrings(opts, "index")
	pivotCols := optStrings(opts, "columns")
	if len(index) == 0 || len(pivotCols) == 0 {
		return nil, domain.ErrValidation("pivot: index and columns are required")
	}
	specs, err := parseAggregates(opts, "pivot")
	if err != nil {
		return nil, err
	}
	margins := optBool(opts, "margins", false)

	indexIdx := make([]int, len(index))
	for i, name := range index {
		if indexIdx[i], err = mustColumn(f, name, "pivot"); err != nil {
			return nil, err
		}
	}
	pivotIdx := make([]int, len(pivotCols))
	for i, name := range pivotCols {
		if pivotIdx[i], err = mustColumn(f, name, "pivot"); err != nil {
			return nil, err
		}
	}
	valueIdx := make([]int, len(specs))
	for i, spec := range specs {
		if valueIdx[i], err = mustColumn(f, spec.column, "pivot"); err != nil {
			return nil, err
		}
	}

	// Distinct pivot values, sorted for a deterministic column order.
	pivotSet := map[string]bool{}
	for _, row := range f.Rows {
		pivotSet[groupKey(row, pivotIdx)] = true
	}
	pivotValues := make([]string, 0, len(pivotSet))
	for v := range pivotSet {
		pivotValues = append(pivotValues, v)
	}
	sort.Strings(pivotValues)

	type cellKey struct {
		spec  int
		pivot string
	}
	type pivotGroup struct {
		keyRow []interface{}
		cells  map[cellKey]*accumulator
		total  []accumulator
	}
	var order []string
	groups := map[string]*pivotGroup{}

	for _, row := range f.Rows {
		key := groupKey(row, indexIdx)
		g, ok := groups[key]
		if !ok {
			keyRow := make([]interface{}, len(indexIdx))
			for i, j := range indexIdx {
				keyRow[i] = row[j]
			}
			g = &pivotGroup{keyRow: keyRow, cells: map[cellKey]*accumulator{}, total: make([]accumulator, len(specs))}
			groups[key] = g
			order = append(order, key)
		}
		pv := groupKey(row, pivotIdx)
		for i, j := range valueIdx {
			v, ok := numeric(row[j])
			if !ok {
				continue
			}
			ck := cellKey{spec: i, pivot: pv}
			acc, ok := g.cells[ck]
			if !ok {
				acc = &accumulator{}
				g.cells[ck] = acc
			}
			acc.add(v)
			g.total[i].add(v)
		}
	}

	columns := append([]string{}, index...)
	for _, pv := range pivotValues {
		for _, spec := range specs {
			name := strings.ReplaceAll(pv, "\x00", ", ")
			if len(specs) > 1 {
				name = spec.label + ", " + name
			}
			columns = append(columns, name)
		}
	}
	if margins {
		for _, spec := range specs {
			name := "All"
			if len(specs) > 1 {
				name = spec.label + ", All"
			}
			columns = append(columns, name)
		}
	}

	rows := make([][]interface{}, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := append([]interface{}{}, g.keyRow...)
		for _, pv := range pivotValues {
			for i, spec := range specs {
				if acc, ok := g.cells[cellKey{spec: i, pivot: pv}]; ok {
					row = append(row, acc.result(spec.operator))
				} else {
					row = append(row, nil)
				}
			}
		}
		if margins {
			for i, spec := range specs {
				row = append(row, g.total[i].result(spec.operator))
			}
		}
		rows = append(rows, row)
	}
	return NewFrame(columns, rows), nil
}

// opRolling applies a rolling window to the named columns, preserving row
// order. Rows with fewer than min_periods contributing values yield nil.
func opRolling(f *Frame, opts map[string]interface{}) (*Frame, error) {
	rollingType := optString(opts, "rolling_type", "")
	window := optInt(opts, "window", 0)
	minPeriods := optInt(opts, "min_periods", 1)
	columns := optStrings(opts, "columns")
	if len(columns) == 0 {
		return nil, domain.ErrValidation("rolling: columns are required")
	}
	switch rollingType {
	case "mean", "sum", "std":
		if window <= 0 {
			return nil, domain.ErrValidation("rolling: window must be positive")
		}
	case "cumsum":
	default:
		return nil, domain.ErrValidation("rolling: unknown rolling_type %q", rollingType)
	}

	out := f.Clone()
	for _, name := range columns {
		idx, err := mustColumn(out, name, "rolling")
		if err != nil {
			return nil, err
		}
		values := make([]float64, len(out.Rows))
		present := make([]bool, len(out.Rows))
		for i, row := range out.Rows {
			values[i], present[i] = numeric(row[idx])
		}

		cumulative := 0.0
		for i := range out.Rows {
			if rollingType == "cumsum" {
				if present[i] {
					cumulative += values[i]
				}
				out.Rows[i][idx] = cumulative
				continue
			}

			start := i - window + 1
			if start < 0 {
				start = 0
			}
			var acc accumulator
			for j := start; j <= i; j++ {
				if present[j] {
					acc.add(values[j])
				}
			}
			if acc.count < minPeriods {
				out.Rows[i][idx] = nil
				continue
			}
			switch rollingType {
			case "mean":
				out.Rows[i][idx] = acc.sum / float64(acc.count)
			case "sum":
				out.Rows[i][idx] = acc.sum
			case "std":
				out.Rows[i][idx] = sampleStd(values[start:i+1], present[start:i+1])
			}
		}
	}
	return out, nil
}

func sampleStd(values []float64, present []bool) interface{} {
	var acc accumulator
	for i, v := range values {
		if present[i] {
			acc.add(v)
		}
	}
	if acc.count < 2 {
		return nil
	}
	mean := acc.sum / float64(acc.count)
	variance := 0.0
	for i, v := range values {
		if present[i] {
			variance += (v - mean) * (v - mean)
		}
	}
	return math.Sqrt(variance / float64(acc.count-1))
}

// opResample re-buckets the time axis to a fixed rule, filling gaps by the
// requested method. Rows must carry a time.Time in the time column.
func opResample(f *Frame, opts map[string]interface{}) (*Frame, error) {
	rule := optString(opts, "rule", "")
	method := optString(opts, "method", "asfreq")
	if rule == "" {
		return nil, domain.ErrValidation("resample: rule is required")
	}
	switch method {
	case "ffill", "zerofill", "mean", "asfreq":
	default:
		return nil, domain.ErrValidation("resample: unknown method %q", method)
	}
	step, err := parseRule(rule)
	if err != nil {
		return nil, err
	}

	timeCol := optString(opts, "time_column", "")
	timeIdx := 0
	if timeCol != "" {
		if timeIdx, err = mustColumn(f, timeCol, "resample"); err != nil {
			return nil, err
		}
	}

	type bucket struct {
		rows [][]interface{}
	}
	buckets := map[int64]*bucket{}
	var minT, maxT time.Time
	seen := false
	for _, row := range f.Rows {
		t, ok := row[timeIdx].(time.Time)
		if !ok {
			return nil, domain.ErrValidation("resample: column %q is not temporal", f.Columns[timeIdx])
		}
		if !seen || t.Before(minT) {
			minT = t
		}
		if !seen || t.After(maxT) {
			maxT = t
		}
		seen = true
		key := t.UnixNano()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.rows = append(b.rows, row)
	}
	if !seen {
		return f, nil
	}

	var rows [][]interface{}
	var prev []interface{}
	for t := minT; !t.After(maxT); t = step(t) {
		b, ok := buckets[t.UnixNano()]
		switch {
		case ok && method == "mean" && len(b.rows) > 1:
			rows = append(rows, meanRow(f, b.rows, timeIdx, t))
			prev = rows[len(rows)-1]
		case ok:
			rows = append(rows, b.rows...)
			prev = b.rows[len(b.rows)-1]
		default:
			rows = append(rows, fillRow(f, timeIdx, t, method, prev))
		}
	}
	return NewFrame(f.Columns, rows), nil
}

func meanRow(f *Frame, group [][]interface{}, timeIdx int, t time.Time) []interface{} {
	row := make([]interface{}, len(f.Columns))
	row[timeIdx] = t
	for col := range f.Columns {
		if col == timeIdx {
			continue
		}
		var acc accumulator
		for _, r := range group {
			if v, ok := numeric(r[col]); ok {
				acc.add(v)
			}
		}
		row[col] = acc.result("mean")
	}
	return row
}

func fillRow(f *Frame, timeIdx int, t time.Time, method string, prev []interface{}) []interface{} {
	row := make([]interface{}, len(f.Columns))
	row[timeIdx] = t
	for col := range f.Columns {
		if col == timeIdx {
			continue
		}
		switch method {
		case "ffill":
			if prev != nil {
				row[col] = prev[col]
			}
		case "zerofill":
			row[col] = float64(0)
		}
	}
	return row
}

// parseRule understands pandas-style offsets: 1S, 1T/1min, 1H, 1D, 1W, 1M.
func parseRule(rule string) (func(time.Time) time.Time, error) {
	n := 0
	i := 0
	for i < len(rule) && rule[i] >= '0' && rule[i] <= '9' {
		n = n*10 + int(rule[i]-'0')
		i++
	}
	if n == 0 {
		n = 1
	}
	switch strings.ToUpper(rule[i:]) {
	case "S":
		return func(t time.Time) time.Time { return t.Add(time.Duration(n) * time.Second) }, nil
	case "T", "MIN":
		return func(t time.Time) time.Time { return t.Add(time.Duration(n) * time.Minute) }, nil
	case "H":
		return func(t time.Time) time.Time { return t.Add(time.Duration(n) * time.Hour) }, nil
	case "D":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, n) }, nil
	case "W":
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7*n) }, nil
	case "M", "MS":
		return func(t time.Time) time.Time { return t.AddDate(0, n, 0) }, nil
	}
	return nil, domain.ErrValidation("resample: unknown rule %q", rule)
}

// opCompare appends difference/percentage/ratio columns for each source and
// comparison column pair.
func opCompare(f *Frame, opts map[string]interface{}) (*Frame, error) {
	sources := optStrings(opts, "source_columns")
	compares := optStrings(opts, "compare_columns")
	compareType := optString(opts, "compare_type", "difference")
	if len(sources) == 0 || len(sources) != len(compares) {
		return nil, domain.ErrValidation("compare: source_columns and compare_columns must align")
	}
	switch compareType {
	case "difference", "percentage", "ratio":
	default:
		return nil, domain.ErrValidation("compare: unknown compare_type %q", compareType)
	}

	out := f.Clone()
	for pair := range sources {
		srcIdx, err := mustColumn(out, sources[pair], "compare")
		if err != nil {
			return nil, err
		}
		cmpIdx, err := mustColumn(out, compares[pair], "compare")
		if err != nil {
			return nil, err
		}
		out.Columns = append(out.Columns, compareType+"__"+sources[pair]+"__"+compares[pair])
		for i, row := range out.Rows {
			src, okA := numeric(row[srcIdx])
			cmp, okB := numeric(row[cmpIdx])
			var cell interface{}
			if okA && okB {
				switch compareType {
				case "difference":
					cell = src - cmp
				case "percentage":
					if cmp != 0 {
						cell = (src - cmp) / cmp
					}
				case "ratio":
					if cmp != 0 {
						cell = src / cmp
					}
				}
			}
			out.Rows[i] = append(row, cell)
		}
	}
	return out, nil
}

// opSort stably sorts rows by the named columns.
func opSort(f *Frame, opts map[string]interface{}) (*Frame, error) {
	by := optStrings(opts, "by")
	if len(by) == 0 {
		return nil, domain.ErrValidation("sort: by is required")
	}
	ascending := make([]bool, len(by))
	switch v := opts["ascending"].(type) {
	case bool:
		for i := range ascending {
			ascending[i] = v
		}
	case []interface{}:
		for i := range ascending {
			ascending[i] = true
			if i < len(v) {
				if b, ok := v[i].(bool); ok {
					ascending[i] = b
				}
			}
		}
	default:
		for i := range ascending {
			ascending[i] = true
		}
	}

	idx := make([]int, len(by))
	for i, name := range by {
		j, err := mustColumn(f, name, "sort")
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}

	out := f.Clone()
	sort.SliceStable(out.Rows, func(a, b int) bool {
		for i, j := range idx {
			c := compareCells(out.Rows[a][j], out.Rows[b][j])
			if c == 0 {
				continue
			}
			if ascending[i] {
				return c < 0
			}
			return c > 0
		}
		return false
	})
	return out, nil
}

func compareCells(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	av, aok := numeric(a)
	bv, bok := numeric(b)
	if aok && bok {
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	}
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// opContribution normalizes numeric cells to their share of the row or column
// total.
func opContribution(f *Frame, opts map[string]interface{}) (*Frame, error) {
	orientation := optString(opts, "orientation", "column")
	if orientation != "row" && orientation != "column" {
		return nil, domain.ErrValidation("contribution: unknown orientation %q", orientation)
	}

	columns := optStrings(opts, "columns")
	var idx []int
	if len(columns) > 0 {
		for _, name := range columns {
			j, err := mustColumn(f, name, "contribution")
			if err != nil {
				return nil, err
			}
			idx = append(idx, j)
		}
	} else {
		for j := range f.Columns {
			for _, row := range f.Rows {
				if _, ok := numeric(row[j]); ok {
					idx = append(idx, j)
					break
				}
			}
		}
	}

	out := f.Clone()
	if orientation == "row" {
		for i, row := range out.Rows {
			total := 0.0
			for _, j := range idx {
				if v, ok := numeric(row[j]); ok {
					total += v
				}
			}
			for _, j := range idx {
				if v, ok := numeric(row[j]); ok && total != 0 {
					out.Rows[i][j] = v / total
				}
			}
		}
		return out, nil
	}

	for _, j := range idx {
		total := 0.0
		for _, row := range out.Rows {
			if v, ok := numeric(row[j]); ok {
				total += v
			}
		}
		if total == 0 {
			continue
		}
		for i, row := range out.Rows {
			if v, ok := numeric(row[j]); ok {
				out.Rows[i][j] = v / total
			}
		}
	}
	return out, nil
}

// opCum replaces the named columns with their running aggregate.
func opCum(f *Frame, opts map[string]interface{}) (*Frame, error) {
	operator := optString(opts, "operator", "")
	columns := optStrings(opts, "columns")
	if len(columns) == 0 {
		return nil, domain.ErrValidation("cum: columns are required")
	}
	switch operator {
	case "sum", "prod", "min", "max":
	default:
		return nil, domain.ErrValidation("cum: unknown operator %q", operator)
	}

	out := f.Clone()
	for _, name := range columns {
		idx, err := mustColumn(out, name, "cum")
		if err != nil {
			return nil, err
		}
		running := 0.0
		started := false
		for i, row := range out.Rows {
			v, ok := numeric(row[idx])
			if !ok {
				continue
			}
			if !started {
				running = v
				started = true
			} else {
				switch operator {
				case "sum":
					running += v
				case "prod":
					running *= v
				case "min":
					running = math.Min(running, v)
				case "max":
					running = math.Max(running, v)
				}
			}
			out.Rows[i][idx] = running
		}
	}
	return out, nil
}

// Prophet forecasting is not bundled; requests for it fail loudly instead of
// silently passing data through.
func opProphet(_ *Frame, _ map[string]interface{}) (*Frame, error) {
	return nil, domain.ErrValidation("prophet post-processing is not enabled")
}
