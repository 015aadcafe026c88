// Package dataset reads pre-masked span examples from JSON lines shards and
// groups them into padded batches.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/crislerwin/tiny-spanbert/pkg/objective"
)

// Example is one masked sequence. Masked, Left, Right and Labels are
// parallel: Labels[i] is the original token at Masked[i], whose span is
// bounded by Left[i] and Right[i].
type Example struct {
	Src    []int `json:"src"`
	Masked []int `json:"masked"`
	Left   []int `json:"left"`
	Right  []int `json:"right"`
	Labels []int `json:"labels"`
}

// Validate checks that the index lists line up and point into Src.
func (e *Example) Validate() error {
	if len(e.Src) == 0 {
		return fmt.Errorf("empty source sequence")
	}
	n := len(e.Masked)
	if len(e.Left) != n || len(e.Right) != n || len(e.Labels) != n {
		return fmt.Errorf("masked, left, right and labels must have equal length, got %d, %d, %d, %d",
			n, len(e.Left), len(e.Right), len(e.Labels))
	}
	for _, list := range [][]int{e.Masked, e.Left, e.Right} {
		for _, p := range list {
			if p < 0 || p >= len(e.Src) {
				return fmt.Errorf("%w: position %d in a sequence of %d", objective.ErrIndexOutOfRange, p, len(e.Src))
			}
		}
	}
	for _, l := range e.Labels {
		if l < 0 {
			return fmt.Errorf("%w: label %d", objective.ErrIndexOutOfRange, l)
		}
	}
	return nil
}

// Dataset is an ordered list of examples.
type Dataset struct {
	Examples []*Example
}

// Len returns the number of examples.
func (d *Dataset) Len() int {
	return len(d.Examples)
}

// Limit keeps at most n examples. n <= 0 keeps all of them.
func (d *Dataset) Limit(n int) {
	if n > 0 && n < len(d.Examples) {
		d.Examples = d.Examples[:n]
	}
}

// Shuffle reorders the examples with rng.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(d.Examples), func(i, j int) {
		d.Examples[i], d.Examples[j] = d.Examples[j], d.Examples[i]
	})
}

// Load reads every shard concurrently and concatenates the examples in shard
// order.
func Load(ctx context.Context, shards []string) (*Dataset, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("no data shards given")
	}

	results := make([][]*Example, len(shards))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(runtime.GOMAXPROCS(0)-1, 1))
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			examples, err := ReadShard(ctx, shard)
			if err != nil {
				return err
			}
			slog.Debug("loaded shard", "path", shard, "examples", len(examples))
			results[i] = examples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d := &Dataset{}
	for _, examples := range results {
		d.Examples = append(d.Examples, examples...)
	}
	return d, nil
}

// ReadShard parses one JSON lines file. Blank lines are skipped.
func ReadShard(ctx context.Context, path string) ([]*Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard: %w", err)
	}
	defer f.Close()

	var examples []*Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var e Example
		if err := json.Unmarshal(text, &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		examples = append(examples, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shard %s: %w", path, err)
	}
	return examples, nil
}
