// Command ucfp is a local content-fingerprinting and retrieval CLI: it
// indexes a directory tree into a canonical/perceptual/semantic index,
// watches it for changes, and serves interactive or one-shot search
// over the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/bravo1goingdark/ucfp/internal/canonical"
	"github.com/bravo1goingdark/ucfp/internal/chunker"
	"github.com/bravo1goingdark/ucfp/internal/config"
	"github.com/bravo1goingdark/ucfp/internal/embed"
	"github.com/bravo1goingdark/ucfp/internal/index"
	"github.com/bravo1goingdark/ucfp/internal/ingest"
	"github.com/bravo1goingdark/ucfp/internal/matcher"
	"github.com/bravo1goingdark/ucfp/internal/perceptual"
	"github.com/bravo1goingdark/ucfp/internal/pipeline"
	"github.com/bravo1goingdark/ucfp/internal/storage"
	"github.com/bravo1goingdark/ucfp/internal/tui"
	"github.com/bravo1goingdark/ucfp/internal/watcher"
)

const defaultConfigPath = ".ucfp.toml"

var hashEmbedDim = 256

func main() {
	var cfgPath string
	var tenantID string
	var embedSeed uint64

	root := &cobra.Command{
		Use:   "ucfp",
		Short: "Content fingerprinting and retrieval over a local directory",
		Long:  "ucfp — canonicalize, fingerprint, and semantically search a local corpus.",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath, "path to TOML config file")
	root.PersistentFlags().StringVar(&tenantID, "tenant", "default", "tenant id to scope records under")
	root.PersistentFlags().Uint64Var(&embedSeed, "embed-seed", 42, "seed for the deterministic hash embedder")

	// openStack loads config, constructs the storage backend, index,
	// embedder, pipeline, and matcher — the full stack every subcommand
	// except "clear" needs.
	openStack := func() (*config.File, *index.Index, *pipeline.Pipeline, *matcher.Matcher, error) {
		file, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
		}

		var backend storage.Backend
		switch file.Index.Backend {
		case config.BackendPersistent:
			backend, err = storage.OpenBoltBackend(file.Index.PersistentPath)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("open persistent backend: %w", err)
			}
		default:
			backend = storage.NewMemoryBackend()
		}

		annPersistPath := file.Index.ANN.PersistPath
		if annPersistPath == "" && file.Index.Backend == config.BackendPersistent {
			annPersistPath = file.Index.PersistentPath + ".ann"
		}
		idx := index.New(backend, index.Config{
			SchemaVersion:       file.Index.SchemaVersion,
			ANNEnabled:          file.Index.ANN.Enabled,
			ANNMinVectorsForANN: file.Index.ANN.MinVectorsForANN,
			ANNM:                file.Index.ANN.M,
			ANNEfConstruction:   file.Index.ANN.EfConstruction,
			ANNEfSearch:         file.Index.ANN.EfSearch,
			ANNPersistPath:      annPersistPath,
		})

		var embedder embed.Embedder = embed.NewHashEmbedder(hashEmbedDim, embedSeed)
		if cached, err := embed.NewCachedEmbedder(embedder, 4096); err == nil {
			embedder = cached
		}
		ingestCfg := ingest.Config{Version: 1, DefaultTenantID: tenantID, DocIDNamespace: ingest.DocIDNamespace}
		canonicalCfg := canonical.Config{Version: 1, NormalizeUnicode: true, StripPunctuation: true, Lowercase: true}
		perceptualCfg := perceptual.DefaultConfig()
		embedCfg := embed.DefaultConfig()

		p := &pipeline.Pipeline{
			IngestCfg:     ingestCfg,
			CanonicalCfg:  canonicalCfg,
			PerceptualCfg: perceptualCfg,
			EmbedCfg:      embedCfg,
			QuantizeScale: file.Index.QuantizationScale,
			SchemaVersion: file.Index.SchemaVersion,
			Index:         idx,
			Embedder:      embedder,
		}

		m := matcher.New(idx, embedder, ingestCfg, canonicalCfg, perceptualCfg, embedCfg, file.Index.QuantizationScale)

		return &file, idx, p, m, nil
	}

	// indexDirs walks each directory, chunking every supported file and
	// feeding the chunks through the pipeline.
	indexDirs := func(ctx context.Context, p *pipeline.Pipeline, dirs []string) (int, error) {
		n := 0
		for _, dir := range dirs {
			err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.IsDir() {
					if strings.HasPrefix(d.Name(), ".") && path != dir {
						return filepath.SkipDir
					}
					return nil
				}
				if !chunker.IsSupportedFile(path) {
					return nil
				}
				chunks, err := chunker.ChunkFile(path, chunker.DefaultOptions())
				if err != nil {
					fmt.Fprintf(os.Stderr, "skip %s: %v\n", path, err)
					return nil
				}
				for _, c := range chunks {
					recID := fmt.Sprintf("%s#%d", path, c.Index)
					attrs := map[string]string{
						"path": path,
						"line": fmt.Sprintf("%d", c.LineNum),
						"text": c.Text,
					}
					if _, err := p.IndexText(ctx, recID, tenantID, c.Text, attrs); err != nil {
						fmt.Fprintf(os.Stderr, "index %s#%d: %v\n", path, c.Index, err)
						continue
					}
					n++
				}
				return nil
			})
			if err != nil {
				return n, err
			}
		}
		return n, nil
	}

	// ---- ucfp index <dir> ---------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "index <dir> [dir...]",
		Short: "Index all supported files in a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, idx, p, _, err := openStack()
			if err != nil {
				return err
			}
			n, err := indexDirs(ctx, p, args)
			if err != nil {
				return err
			}
			if err := idx.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Done. %d records indexed.\n", n)
			return nil
		},
	})

	// ---- ucfp search <query> -------------------------------------------------
	var jsonExport bool
	var mode string
	var maxResults int
	var explain bool
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Non-interactive search over the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			_, _, _, m, err := openStack()
			if err != nil {
				return err
			}

			req := matcher.Request{
				TenantID:         tenantID,
				QueryText:        query,
				Mode:             parseMode(mode),
				SemanticWeight:   0.5,
				MaxResults:       maxResults,
				OversampleFactor: 2,
				TenantEnforce:    true,
				Explain:          explain,
			}
			hits, err := m.MatchDocument(context.Background(), req)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				if jsonExport {
					fmt.Println("[]")
				} else {
					fmt.Println("no results")
				}
				return nil
			}
			if jsonExport {
				j, err := json.MarshalIndent(hits, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			for i, h := range hits {
				fmt.Printf("%2d  %.4f  %s\n", i+1, h.Score, h.CanonicalHash)
			}
			return nil
		},
	}
	searchCmd.Flags().BoolVar(&jsonExport, "json", false, "output results as JSON")
	searchCmd.Flags().StringVar(&mode, "mode", "hybrid", "search mode: semantic, perceptual, hybrid")
	searchCmd.Flags().IntVar(&maxResults, "max-results", 10, "maximum number of results to return")
	searchCmd.Flags().BoolVar(&explain, "explain", false, "include per-mode scores in output")
	root.AddCommand(searchCmd)

	// ---- ucfp watch <dir> ----------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Index a directory then watch it for changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, idx, p, _, err := openStack()
			if err != nil {
				return err
			}
			n, err := indexDirs(ctx, p, args)
			if err != nil {
				return err
			}
			if err := idx.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Done. %d records indexed. Watching for changes… (Ctrl+C to stop)\n", n)

			w, err := watcher.New(p, tenantID)
			if err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(done)
			}()

			for _, dir := range args {
				go func(d string) {
					if err := w.Watch(ctx, d, done); err != nil {
						fmt.Fprintf(os.Stderr, "watch error %s: %v\n", d, err)
					}
				}(dir)
			}
			<-done
			return nil
		},
	})

	// ---- ucfp tui -------------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch interactive search interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, idx, _, m, err := openStack()
			if err != nil {
				return err
			}
			model := tui.New(idx, m, tenantID)
			p := tea.NewProgram(model, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	// ---- ucfp stats -----------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, idx, _, _, err := openStack()
			if err != nil {
				return err
			}
			n := 0
			if err := idx.Scan(func(index.Record) error { n++; return nil }); err != nil {
				return err
			}
			fmt.Printf("records:   %d\n", n)
			fmt.Printf("tenant:    %s\n", tenantID)
			return nil
		},
	})

	// ---- ucfp clear -----------------------------------------------------------
	var forceFlag bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the persistent index file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if file.Index.Backend != config.BackendPersistent || file.Index.PersistentPath == "" {
				fmt.Fprintln(os.Stderr, "nothing to clear: index backend is in-memory")
				return nil
			}
			if _, err := os.Stat(file.Index.PersistentPath); os.IsNotExist(err) {
				fmt.Fprintln(os.Stderr, "no index file found")
				return nil
			}
			if !forceFlag {
				fmt.Fprintf(os.Stderr, "remove %s? [y/N] ", file.Index.PersistentPath)
				var resp string
				fmt.Scanln(&resp)
				if strings.ToLower(strings.TrimSpace(resp)) != "y" {
					fmt.Fprintln(os.Stderr, "aborted")
					return nil
				}
			}
			annPath := file.Index.ANN.PersistPath
			if annPath == "" {
				annPath = file.Index.PersistentPath + ".ann"
			}
			if err := os.Remove(annPath); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "remove %s: %v\n", annPath, err)
			}
			return os.Remove(file.Index.PersistentPath)
		},
	}
	clearCmd.Flags().BoolVar(&forceFlag, "force", false, "skip confirmation prompt")
	root.AddCommand(clearCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func parseMode(s string) matcher.Mode {
	switch strings.ToLower(s) {
	case "semantic":
		return matcher.ModeSemantic
	case "perceptual":
		return matcher.ModePerceptual
	default:
		return matcher.ModeHybrid
	}
}
