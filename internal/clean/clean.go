// Package clean applies the fixed listing-cleaning rules to a table.
package clean

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/prepline/internal/table"
)

const (
	ColumnPrice         = "price"
	ColumnMinimumNights = "minimum_nights"
	ColumnLastReview    = "last_review"
)

var (
	ErrNonNumeric  = errors.New("non-numeric value")
	ErrNonPositive = errors.New("logarithm of non-positive value")
)

// Options bound the accepted price range. Both ends are inclusive.
// MinPrice <= MaxPrice is not checked; an inverted range keeps no rows.
type Options struct {
	MinPrice float64
	MaxPrice float64
}

// Apply runs the cleaning pipeline in order: price filter, log transform of
// minimum_nights, then last_review date coercion. The input is not modified.
func Apply(t *table.Table, opts Options, logger *slog.Logger) (*table.Table, error) {
	logger.Info("dropping price outliers", "min_price", opts.MinPrice, "max_price", opts.MaxPrice)
	out, err := FilterPrice(t, opts.MinPrice, opts.MaxPrice)
	if err != nil {
		return nil, err
	}
	logger.Info("price filter applied", "rows_in", t.Len(), "rows_out", out.Len())

	logger.Info("log-transforming feature", "column", ColumnMinimumNights)
	if err := LogTransform(out, ColumnMinimumNights); err != nil {
		return nil, err
	}

	logger.Info("converting feature to datetime", "column", ColumnLastReview)
	coerced, err := ParseDates(out, ColumnLastReview)
	if err != nil {
		return nil, err
	}
	if coerced > 0 {
		logger.Warn("unparseable dates set to missing", "column", ColumnLastReview, "count", coerced)
	}
	return out, nil
}

// FilterPrice keeps rows whose price lies in [minPrice, maxPrice].
// Missing prices never fall in range and are dropped.
func FilterPrice(t *table.Table, minPrice, maxPrice float64) (*table.Table, error) {
	idx, err := t.ColumnIndex(ColumnPrice)
	if err != nil {
		return nil, err
	}

	// Validate the whole column first so a bad cell fails regardless of position.
	prices := make([]float64, t.Len())
	for i, row := range t.Rows {
		v, ok, err := parseFloat(row[idx])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", ColumnPrice, i+1, err)
		}
		if !ok {
			v = math.NaN()
		}
		prices[i] = v
	}

	i := 0
	return t.Filter(func([]string) bool {
		p := prices[i]
		i++
		return p >= minPrice && p <= maxPrice
	}), nil
}

// LogTransform replaces every value of column with its natural logarithm in place.
// Missing cells stay missing.
func LogTransform(t *table.Table, column string) error {
	idx, err := t.ColumnIndex(column)
	if err != nil {
		return err
	}
	for i, row := range t.Rows {
		v, ok, err := parseFloat(row[idx])
		if err != nil {
			return fmt.Errorf("%s row %d: %w", column, i+1, err)
		}
		if !ok {
			continue
		}
		if v <= 0 {
			return fmt.Errorf("%s row %d: %w: %s", column, i+1, ErrNonPositive, row[idx])
		}
		row[idx] = FormatFloat(Ln(v))
	}
	return nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04",
	"2006/01/02",
	"01/02/2006",
	"20060102",
}

const (
	dateOnlyLayout = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
	zonedLayout    = "2006-01-02 15:04:05-07:00"
)

// ParseDates rewrites column as normalized timestamps in place. Values that
// match no known layout become missing; the count of such values is returned.
// When any value carries a UTC offset the column is written with offsets, and
// each value keeps its own. Otherwise, when every value falls on midnight the
// column is written as a plain date, else as date and time.
func ParseDates(t *table.Table, column string) (int, error) {
	idx, err := t.ColumnIndex(column)
	if err != nil {
		return 0, err
	}

	parsed := make([]*time.Time, t.Len())
	dateOnly, zoned := true, false
	coerced := 0
	for i, row := range t.Rows {
		s := strings.TrimSpace(row[idx])
		if s == "" {
			continue
		}
		ts, hasZone, ok := parseTime(s)
		if !ok {
			coerced++
			continue
		}
		if ts.Hour() != 0 || ts.Minute() != 0 || ts.Second() != 0 || ts.Nanosecond() != 0 {
			dateOnly = false
		}
		zoned = zoned || hasZone
		parsed[i] = &ts
	}

	layout := dateTimeLayout
	switch {
	case zoned:
		layout = zonedLayout
	case dateOnly:
		layout = dateOnlyLayout
	}
	for i, row := range t.Rows {
		if parsed[i] == nil {
			row[idx] = ""
			continue
		}
		row[idx] = parsed[i].Format(layout)
	}
	return coerced, nil
}

// parseTime reports whether s carried a UTC offset. Values without one are
// read as UTC wall-clock times.
func parseTime(s string) (ts time.Time, hasZone bool, ok bool) {
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, strings.Contains(layout, "Z07"), true
		}
	}
	return time.Time{}, false, false
}

// parseFloat reads a numeric cell. ok is false for a missing cell.
func parseFloat(s string) (v float64, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "NaN" || s == "nan" || s == "NA" {
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", ErrNonNumeric, s)
	}
	return v, true, nil
}

// FormatFloat renders v the way the downstream tooling reads floats back:
// shortest round-trip digits, always with a decimal point.
func FormatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return s
	}
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
