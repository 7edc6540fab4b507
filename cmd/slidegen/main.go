package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"slidegen/internal/artifacts"
	"slidegen/internal/config"
	"slidegen/internal/db"
	"slidegen/internal/domain"
	"slidegen/internal/engine"
	"slidegen/internal/llm"
	"slidegen/internal/logging"
	"slidegen/internal/migrate"
	"slidegen/internal/prompt"
	"slidegen/internal/render"
	"slidegen/internal/repo"
	"slidegen/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "slidegen",
	Short: "Slidegen CLI",
	Long: `Slidegen turns a natural-language brief into a presentation slide.
It asks a model for a slide-building script, executes it in a sandbox,
repairs failures, renders the result, scores it visually, and iterates
until the target score or the budgets are reached. Every run leaves a
self-contained directory with scripts, artifacts, logs, and metadata.json.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SLIDEGEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	// Optional .env in the workspace; env vars still win.
	envFile := filepath.Join(viper.GetString("workspace"), ".env")
	if _, err := os.Stat(envFile); err == nil {
		viper.SetConfigFile(envFile)
		viper.SetConfigType("env")
		_ = viper.MergeInConfig()
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	rootCmd.PersistentFlags().String("output-dir", "", "base directory for run outputs (default <workspace>/runs)")
	rootCmd.PersistentFlags().Bool("mock-openai", false, "use the deterministic mock model backend")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("output-dir", rootCmd.PersistentFlags().Lookup("output-dir"))
	_ = viper.BindPFlag("openai-use-mock", rootCmd.PersistentFlags().Lookup("mock-openai"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a default slidegen.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.RuntimePath(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefaultRuntime()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("initialized workspace:", path)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var promptText, promptFile, referenceImage, runID string
	var imageSpecs []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate one slide from a brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			brief, err := resolveBrief(promptText, promptFile)
			if err != nil {
				return err
			}
			images, err := parseImageSpecs(imageSpecs)
			if err != nil {
				return err
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				e := newEngine(d)
				run, paths, err := e.StartRun(ctx, engine.StartOptions{
					RunID: runID,
					Request: domain.SlideRequest{
						Brief:          brief,
						Images:         images,
						ReferenceImage: referenceImage,
					},
				})
				if err != nil {
					return err
				}
				runLog, closeLog, err := logging.NewRunLogger(paths.LogsDir, viper.GetBool("verbose"))
				if err != nil {
					return err
				}
				defer closeLog()
				e.Log = runLog

				md, err := e.Execute(ctx, run.ID, paths)
				if err != nil {
					return err
				}
				return printRunResult(md, paths.BaseDir)
			})
		},
	}
	cmd.Flags().StringVar(&promptText, "prompt", "", "slide brief text")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "file containing the slide brief")
	cmd.Flags().StringArrayVar(&imageSpecs, "image", nil, "image as name|path|description (repeatable)")
	cmd.Flags().StringVar(&referenceImage, "reference-image", "", "reference layout image path")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: timestamp)")
	return cmd
}

// batchManifest is the input of slidegen batch: one entry per run.
type batchManifest []struct {
	RunID          string             `json:"run_id,omitempty"`
	Brief          string             `json:"brief"`
	Images         []domain.ImageInput `json:"images,omitempty"`
	ReferenceImage string             `json:"reference_image,omitempty"`
}

func batchCmd() *cobra.Command {
	var manifestPath string
	var parallel int
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run several briefs from a JSON manifest in parallel",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			var manifest batchManifest
			if err := json.Unmarshal(data, &manifest); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			if len(manifest) == 0 {
				return errors.New("manifest is empty")
			}
			if parallel < 1 {
				parallel = 1
			}
			return withDeps(cmd.Context(), func(ctx context.Context, d deps) error {
				g, gctx := errgroup.WithContext(ctx)
				g.SetLimit(parallel)
				results := make([]domain.RunMetadata, len(manifest))
				for i, entry := range manifest {
					g.Go(func() error {
						// Runs share nothing on disk; each gets its own
						// engine value over the shared connection.
						e := newEngine(d)
						md, err := e.Run(gctx, engine.StartOptions{
							RunID: entry.RunID,
							Request: domain.SlideRequest{
								Brief:          entry.Brief,
								Images:         entry.Images,
								ReferenceImage: entry.ReferenceImage,
							},
						})
						if err != nil {
							return fmt.Errorf("run %d: %w", i+1, err)
						}
						results[i] = md
						return nil
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}
				return printJSONOrTable(results)
			})
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "JSON manifest file")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "maximum concurrent runs")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect past runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Best", "Sealed", "Created"})
				for _, run := range items {
					best := ""
					if run.BestVersionID != nil {
						best = fmt.Sprintf("v%d", *run.BestVersionID)
					}
					tw.AppendRow(table.Row{run.ID, run.Status, best, run.SealedAt, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's full metadata trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				md, err := r.Metadata(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(md)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only inspection API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			store, err := artifacts.NewManager(resolveOutputDir(workspace))
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Repo:      repo.Repo{DB: conn},
				Artifacts: store,
				BasePath:  basePath,
				Auth:      server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
			})
			if err != nil {
				return err
			}
			fmt.Printf("listening on %s%s\n", addr, basePath)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// deps are the shared collaborators behind one CLI invocation.
type deps struct {
	conn     *sql.DB
	settings *config.Settings
	runtime  *config.Runtime
	store    *artifacts.Manager
	facade   llm.Facade
	renderer render.Renderer
}

func withDeps(ctx context.Context, fn func(context.Context, deps) error) error {
	workspace := viper.GetString("workspace")
	settings, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	rt, err := config.LoadRuntime(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	store, err := artifacts.NewManager(resolveOutputDir(workspace))
	if err != nil {
		return err
	}

	log := logging.NewConsole(viper.GetBool("verbose"))
	var facade llm.Facade
	var renderer render.Renderer
	if settings.OpenAI.MockMode {
		facade = llm.NewMock()
		renderer = render.Mock{}
	} else {
		facade = llm.NewOpenAIClient(settings.OpenAI, prompt.NewStore(), log)
		renderer = render.NewHeadless(rt, log)
	}

	return fn(ctx, deps{
		conn:     conn,
		settings: settings,
		runtime:  rt,
		store:    store,
		facade:   facade,
		renderer: renderer,
	})
}

func newEngine(d deps) engine.Engine {
	return engine.New(d.conn, d.settings, d.runtime, d.store, d.facade, d.renderer,
		logging.NewConsole(viper.GetBool("verbose")))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func resolveOutputDir(workspace string) string {
	if dir := viper.GetString("output-dir"); dir != "" {
		return dir
	}
	return filepath.Join(workspace, "runs")
}

func resolveBrief(promptText, promptFile string) (string, error) {
	switch {
	case promptText != "" && promptFile != "":
		return "", errors.New("use either --prompt or --prompt-file, not both")
	case promptText != "":
		return promptText, nil
	case promptFile != "":
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", errors.New("a brief is required (--prompt or --prompt-file)")
	}
}

// parseImageSpecs parses repeated name|path|description flags.
func parseImageSpecs(specs []string) ([]domain.ImageInput, error) {
	var images []domain.ImageInput
	for _, spec := range specs {
		parts := strings.SplitN(spec, "|", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid --image %q, want name|path|description", spec)
		}
		img := domain.ImageInput{Name: parts[0], Path: parts[1]}
		if len(parts) == 3 {
			img.Description = parts[2]
		}
		if _, err := os.Stat(img.Path); err != nil {
			return nil, fmt.Errorf("image %s: %w", img.Name, err)
		}
		images = append(images, img)
	}
	return images, nil
}

func printRunResult(md domain.RunMetadata, baseDir string) error {
	if viper.GetBool("json") {
		return printJSON(md)
	}
	fmt.Println("run:", md.RunID)
	fmt.Println("status:", md.Status)
	if md.BestVersionID != nil {
		fmt.Printf("best version: v%d\n", *md.BestVersionID)
	}
	if md.BestScore != nil {
		fmt.Printf("overall score: %.1f\n", md.BestScore.Overall)
	}
	fmt.Println("artifacts:", baseDir)
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
