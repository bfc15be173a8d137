// Package split partitions a table into trainval and test subsets.
package split

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/kiranshivaraju/prepline/internal/table"
)

// NoStratification disables stratified sampling when passed as StratifyBy.
const NoStratification = "none"

var (
	ErrInvalidTestSize = errors.New("invalid test size")
	ErrTooFewMembers   = errors.New("stratification class has too few members")
	ErrSubsetTooSmall  = errors.New("subset smaller than number of classes")
)

// Options configure a split. TestSize in (0, 1) is a fraction of the rows;
// a whole number >= 1 is an absolute row count.
type Options struct {
	TestSize   float64
	Seed       int64
	StratifyBy string
}

// Stratified reports whether a stratification column was requested.
func (o Options) Stratified() bool {
	return o.StratifyBy != "" && o.StratifyBy != NoStratification
}

// Result holds the two disjoint subsets. Together they cover every input row.
type Result struct {
	TrainVal *table.Table
	Test     *table.Table
}

// Split partitions t according to opts. The same table and options always
// produce the same subsets in the same row order.
func Split(t *table.Table, opts Options) (*Result, error) {
	var labels []string
	if opts.Stratified() {
		col, err := t.Column(opts.StratifyBy)
		if err != nil {
			return nil, fmt.Errorf("stratify by: %w", err)
		}
		labels = col
	}

	train, test, err := Indices(t.Len(), labels, opts)
	if err != nil {
		return nil, err
	}
	return &Result{TrainVal: t.Take(train), Test: t.Take(test)}, nil
}

// Indices computes the trainval and test row indices for n rows. When labels
// is non-nil it must have length n and the split preserves class proportions.
func Indices(n int, labels []string, opts Options) (train, test []int, err error) {
	nTrain, nTest, err := Sizes(n, opts.TestSize)
	if err != nil {
		return nil, nil, err
	}

	rng := newRand(opts.Seed)
	if labels == nil {
		perm := rng.Perm(n)
		return perm[nTest : nTest+nTrain], perm[:nTest], nil
	}
	if len(labels) != n {
		return nil, nil, fmt.Errorf("stratify labels: got %d, want %d", len(labels), n)
	}
	return stratified(labels, nTrain, nTest, rng)
}

// Sizes resolves a test size into (trainval, test) row counts for n rows.
func Sizes(n int, testSize float64) (nTrain, nTest int, err error) {
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: dataset is empty", ErrInvalidTestSize)
	}
	switch {
	case math.IsNaN(testSize) || testSize <= 0:
		return 0, 0, fmt.Errorf("%w: %v must be positive", ErrInvalidTestSize, testSize)
	case testSize < 1:
		nTest = int(math.Ceil(testSize * float64(n)))
	case testSize != math.Trunc(testSize):
		return 0, 0, fmt.Errorf("%w: %v is neither a fraction in (0, 1) nor a whole row count", ErrInvalidTestSize, testSize)
	case testSize >= float64(n):
		return 0, 0, fmt.Errorf("%w: %v rows requested from %d samples", ErrInvalidTestSize, testSize, n)
	default:
		nTest = int(testSize)
	}

	nTrain = n - nTest
	if nTrain == 0 {
		return 0, 0, fmt.Errorf("%w: with %d samples and test size %v the trainval set would be empty", ErrInvalidTestSize, n, testSize)
	}
	return nTrain, nTest, nil
}

func stratified(labels []string, nTrain, nTest int, rng *rand.Rand) (train, test []int, err error) {
	byClass := make(map[string][]int)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	classes := make([]string, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	counts := make([]int, len(classes))
	for i, c := range classes {
		counts[i] = len(byClass[c])
		if counts[i] < 2 {
			return nil, nil, fmt.Errorf("%w: class %q has %d member, the minimum is 2", ErrTooFewMembers, c, counts[i])
		}
	}
	if nTrain < len(classes) {
		return nil, nil, fmt.Errorf("%w: trainval size %d < %d classes", ErrSubsetTooSmall, nTrain, len(classes))
	}
	if nTest < len(classes) {
		return nil, nil, fmt.Errorf("%w: test size %d < %d classes", ErrSubsetTooSmall, nTest, len(classes))
	}

	trainPer := approximateMode(counts, nTrain, rng)
	remaining := make([]int, len(counts))
	for i := range counts {
		remaining[i] = counts[i] - trainPer[i]
	}
	testPer := approximateMode(remaining, nTest, rng)

	train = make([]int, 0, nTrain)
	test = make([]int, 0, nTest)
	for i, c := range classes {
		members := byClass[c]
		perm := rng.Perm(len(members))
		for _, p := range perm[:trainPer[i]] {
			train = append(train, members[p])
		}
		for _, p := range perm[trainPer[i] : trainPer[i]+testPer[i]] {
			test = append(test, members[p])
		}
	}
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(test), func(i, j int) { test[i], test[j] = test[j], test[i] })
	return train, test, nil
}

// approximateMode distributes draws across classes in proportion to counts.
// Each class gets the floor of its share; leftover draws go to the classes
// with the largest fractional remainders, ties broken at random.
func approximateMode(counts []int, draws int, rng *rand.Rand) []int {
	total := 0
	for _, c := range counts {
		total += c
	}

	out := make([]int, len(counts))
	remainder := make([]float64, len(counts))
	assigned := 0
	for i, c := range counts {
		share := float64(c) / float64(total) * float64(draws)
		out[i] = int(math.Floor(share))
		remainder[i] = share - math.Floor(share)
		assigned += out[i]
	}

	need := draws - assigned
	if need <= 0 {
		return out
	}

	values := append([]float64(nil), remainder...)
	sort.Sort(sort.Reverse(sort.Float64Slice(values)))
	for k, v := range values {
		if k > 0 && v == values[k-1] {
			continue
		}
		var tied []int
		for i, r := range remainder {
			if r == v {
				tied = append(tied, i)
			}
		}
		rng.Shuffle(len(tied), func(i, j int) { tied[i], tied[j] = tied[j], tied[i] })
		take := min(len(tied), need)
		for _, i := range tied[:take] {
			out[i]++
		}
		need -= take
		if need == 0 {
			break
		}
	}
	return out
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}
