package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ensembled/internal/encoder"
	"ensembled/internal/scheduler"
	"ensembled/pkg/types"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		itemsPath string
		outPath   string
		progress  time.Duration
		vectors   bool
	)
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run one rotation over a file of items and print the summary",
		Example: "  ensembled run --config ensemble.yaml --items chunks.jsonl --out summary.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItems(itemsPath)
			if err != nil {
				return err
			}
			a, err := newApp(opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			res, summary, err := runWithProgress(ctx, a.svc, items, progress, opts)
			if summary != nil {
				out := any(summary)
				if vectors && res != nil {
					out = struct {
						*types.RunSummary
						Embeddings encoder.Matrix `json:"embeddings"`
					}{summary, res.Embeddings}
				}
				if werr := writeJSONFile(outPath, cmd.OutOrStdout(), out); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&itemsPath, "items", "", "Items file: .json array, .jsonl objects, or plain text (one item per line)")
	cmd.Flags().StringVar(&outPath, "out", "", "Write the run summary here instead of stdout")
	cmd.Flags().DurationVar(&progress, "progress", 5*time.Second, "Progress log interval (0 disables)")
	cmd.Flags().BoolVar(&vectors, "vectors", false, "Include the aggregated embeddings in the output")
	_ = cmd.MarkFlagRequired("items")
	return cmd
}

// runWithProgress runs the rotation next to a progress reporter. The
// reporter stops when the run ends; a failed run cancels the reporter.
func runWithProgress(ctx context.Context, svc *scheduler.Service, items []encoder.Item, every time.Duration, opts *options) (*scheduler.Result, *types.RunSummary, error) {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	var res *scheduler.Result
	g.Go(func() error {
		defer close(done)
		r, _, err := svc.RunSync(gctx, items)
		res = r
		return err
	})
	if every > 0 {
		g.Go(func() error {
			t := time.NewTicker(every)
			defer t.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-gctx.Done():
					return nil
				case <-t.C:
					l, ok := svc.Telemetry()
					if !ok {
						continue
					}
					opts.log.Info().
						Int("leases", len(l.Leases)).
						Int("batches", len(l.Batches)).
						Int("mitigations", len(l.Mitigations)).
						Msg("rotation progress")
				}
			}
		})
	}
	err := g.Wait()
	return res, svc.Status().Last, err
}

// readItems loads work items. JSON files hold an array of {id, text};
// JSONL files hold one such object per line; any other file is read as
// plain text with one item per non-empty line, named by line number.
func readItems(path string) ([]encoder.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var in []types.Item
		if err := json.NewDecoder(f).Decode(&in); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return toItems(in), nil
	case ".jsonl", ".ndjson":
		var in []types.Item
		dec := json.NewDecoder(f)
		for {
			var it types.Item
			if err := dec.Decode(&it); err == io.EOF {
				break
			} else if err != nil {
				return nil, fmt.Errorf("decode %s item %d: %w", path, len(in), err)
			}
			in = append(in, it)
		}
		return toItems(in), nil
	default:
		var out []encoder.Item
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 4<<20)
		line := 0
		for sc.Scan() {
			line++
			if text := strings.TrimSpace(sc.Text()); text != "" {
				out = append(out, encoder.Item{ID: "line-" + strconv.Itoa(line), Text: text})
			}
		}
		return out, sc.Err()
	}
}

func toItems(in []types.Item) []encoder.Item {
	out := make([]encoder.Item, len(in))
	for i, it := range in {
		out[i] = encoder.Item{ID: it.ID, Text: it.Text}
	}
	return out
}

func writeJSONFile(path string, fallback io.Writer, v any) error {
	w := fallback
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
