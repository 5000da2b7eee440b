// Package replay implements a check runner that streams recorded result
// batches from a JSON lines file, one batch per line.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/yairfalse/warden/internal/filter"
	"github.com/yairfalse/warden/providers"
	"github.com/yairfalse/warden/types"
)

const maxLineSize = 16 << 20

// Runner replays batches from Path. The file is opened lazily when the
// sequence is first iterated.
type Runner struct {
	Path string

	// Scope applied to every batch on top of the requested checks
	ExcludeServices []string
	IncludeTags     map[string]string
	ExcludeTags     map[string]string
}

// Run implements providers.CheckRunner. When req.Checks is non-empty only
// results of those checks are yielded. Filtered batches are still yielded
// so that progress keeps advancing.
func (r Runner) Run(ctx context.Context, req providers.RunRequest) iter.Seq2[types.Batch, error] {
	return func(yield func(types.Batch, error) bool) {
		f, err := os.Open(r.Path)
		if err != nil {
			yield(types.Batch{}, fmt.Errorf("open replay file: %w", err))
			return
		}
		defer func() { _ = f.Close() }()

		scope := filter.New(req.Checks, r.ExcludeServices, r.IncludeTags, r.ExcludeTags)
		for batch, err := range Decode(f) {
			if err != nil {
				yield(types.Batch{}, err)
				return
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(types.Batch{}, ctxErr)
				return
			}
			batch.Results = scope.FilterResults(batch.Results)
			if !yield(batch, nil) {
				return
			}
		}
	}
}

// Decode yields one batch per non-empty line of rd.
func Decode(rd io.Reader) iter.Seq2[types.Batch, error] {
	return func(yield func(types.Batch, error) bool) {
		scanner := bufio.NewScanner(rd)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var batch types.Batch
			if err := json.Unmarshal(raw, &batch); err != nil {
				yield(types.Batch{}, fmt.Errorf("line %d: %w", line, err))
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(types.Batch{}, fmt.Errorf("read replay: %w", err))
		}
	}
}

// Encode writes batches in the format Decode reads.
func Encode(w io.Writer, batches ...types.Batch) error {
	enc := json.NewEncoder(w)
	for _, b := range batches {
		if err := enc.Encode(b); err != nil {
			return err
		}
	}
	return nil
}
