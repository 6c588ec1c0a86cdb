package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/edgerag/guide/internal/models"
	"github.com/edgerag/guide/internal/types"
	"github.com/edgerag/guide/pkg/chunker"
	cfgPkg "github.com/edgerag/guide/pkg/config"
	"github.com/edgerag/guide/pkg/identity"
	"github.com/edgerag/guide/pkg/ingest"
	"github.com/edgerag/guide/pkg/llm"
	"github.com/edgerag/guide/pkg/query"
	"github.com/edgerag/guide/pkg/resources"
	"github.com/edgerag/guide/pkg/scraper"
	"github.com/edgerag/guide/pkg/store"
	"github.com/edgerag/guide/pkg/thermal"
	"github.com/edgerag/guide/server"
)

type cliFlags struct {
	configPath   string
	importPath   string
	importURL    string
	checkUpdates bool
	list         bool
	deleteID     string
	status       bool
	serve        bool
	addr         string
}

func main() {
	var cli cliFlags
	flag.StringVar(&cli.configPath, "config", "", "Path to config file")
	flag.StringVar(&cli.importPath, "import", "", "File or directory to import")
	flag.StringVar(&cli.importURL, "import-url", "", "URL to import")
	flag.BoolVar(&cli.checkUpdates, "check-updates", false, "Check tracked sources for changes")
	flag.BoolVar(&cli.list, "list", false, "List stored documents")
	flag.StringVar(&cli.deleteID, "delete", "", "Document ID to delete")
	flag.BoolVar(&cli.status, "status", false, "Show store status")
	flag.BoolVar(&cli.serve, "serve", false, "Run the WebSocket server")
	flag.StringVar(&cli.addr, "addr", ":8080", "Server listen address")
	flag.Parse()

	if err := run(cli); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func run(cli cliFlags) error {
	config, err := cfgPkg.LoadConfig(cli.configPath)
	if err != nil {
		return err
	}
	if verrs := config.Validate(); len(verrs) > 0 {
		for _, verr := range verrs {
			color.Red("config: %s", verr.Error())
		}
		return fmt.Errorf("invalid configuration")
	}

	logger := newLogger(config.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(config, logger)
	if err != nil {
		return err
	}
	defer app.vectorStore.Close()

	switch {
	case cli.importPath != "":
		return runImport(ctx, app, cli.importPath)
	case cli.importURL != "":
		return runImportURL(ctx, app, cli.importURL)
	case cli.checkUpdates:
		return runCheckUpdates(ctx, app)
	case cli.list:
		return runList(ctx, app)
	case cli.deleteID != "":
		if err := app.ingestor.Delete(ctx, cli.deleteID); err != nil {
			return err
		}
		color.Green("✓ Document %s deleted", cli.deleteID)
		return nil
	case cli.status:
		return runStatus(ctx, app, config)
	case cli.serve:
		ws := server.NewWSServer(app.ingestor, app.orchestrator, app.vectorStore, logger)
		return ws.Run(ctx, cli.addr)
	default:
		return runChat(ctx, app)
	}
}

type app struct {
	vectorStore  *store.VectorStore
	ingestor     *ingest.Service
	orchestrator *query.Orchestrator
}

func buildApp(config *cfgPkg.Config, logger *slog.Logger) (*app, error) {
	vectorStore, err := store.NewWithConfig(store.VectorStoreConfig{
		ConnString:  config.Database.URL,
		TablePrefix: config.Database.TablePrefix,
		VectorDim:   config.Database.VectorDim,
		SearchLimit: config.Database.SearchLimit,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	chk, err := chunker.NewWithConfig(chunker.Config{
		ChunkSize:    config.Ingest.ChunkSize,
		ChunkOverlap: config.Ingest.ChunkOverlap,
	})
	if err != nil {
		vectorStore.Close()
		return nil, err
	}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:   config.LLM.EmbeddingModel,
		BaseURL: config.LLM.BaseURL,
	})
	if err != nil {
		vectorStore.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	engine, err := llm.NewEngineWithConfig(llm.EngineConfig{
		Model:         config.LLM.Model,
		BaseURL:       config.LLM.BaseURL,
		ContextWindow: config.LLM.ContextWindow,
		Threads:       config.LLM.Threads,
	})
	if err != nil {
		vectorStore.Close()
		return nil, fmt.Errorf("failed to initialize LLM engine: %w", err)
	}

	detector := identity.NewDetector(identity.DetectorConfig{
		MaxContentBytes: config.Ingest.MaxContentBytes,
	}, vectorStore)

	fetcher := scraper.NewFetcher(scraper.FetcherConfig{
		RateLimit: config.Fetcher.RateLimit,
		Timeout:   config.Fetcher.Timeout,
	})

	gate := resources.NewGate(resources.Config{
		DataDir:       config.Resources.DataDir,
		MinFreeRAMMB:  config.Resources.MinFreeRAMMB,
		MinFreeDiskMB: config.Resources.MinFreeDiskMB,
	}, logger)

	monitor := thermal.NewMonitor(thermal.Config{
		ZonePath:       config.Thermal.ZonePath,
		SampleInterval: config.Thermal.SampleInterval,
		Samples:        config.Thermal.Samples,
		AlertCelsius:   config.Thermal.AlertCelsius,
		HaltCelsius:    config.Thermal.HaltCelsius,
		ResumeCelsius:  config.Thermal.ResumeCelsius,
	}, logger)

	ingestor := ingest.NewService(vectorStore, chk, embedder, detector, fetcher, gate, logger)

	prompts := query.NewPromptBuilder(chk, config.LLM.ContextWindow, config.LLM.MaxTokens)
	orchestrator := query.NewOrchestrator(query.OrchestratorConfig{
		TopK:              config.Database.SearchLimit,
		MaxTokens:         config.LLM.MaxTokens,
		Temperature:       config.LLM.Temperature,
		TopP:              config.LLM.TopP,
		Threads:           config.LLM.Threads,
		ReducedThreads:    config.Thermal.ReducedThreads,
		MaxRetries:        config.LLM.MaxRetries,
		FirstTokenTimeout: config.LLM.FirstTokenTimeout,
	}, vectorStore, embedder, engine, prompts, monitor, gate, logger)

	return &app{
		vectorStore:  vectorStore,
		ingestor:     ingestor,
		orchestrator: orchestrator,
	}, nil
}

func newLogger(config cfgPkg.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if config.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func runImport(ctx context.Context, app *app, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		result, err := app.ingestor.IngestFile(ctx, path)
		if err != nil {
			return err
		}
		printResult(path, result)
		return nil
	}

	// Pre-count for the progress bar; the actual import runs through the
	// service so the resource gate applies to the batch.
	var total int
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && ingest.Importable(p) {
			total++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if total == 0 {
		color.Yellow("No importable files under %s", path)
		return nil
	}

	bar := getProgressBar(total, "📄 Importing documents...")
	batch, err := app.ingestor.IngestDirectory(ctx, path, func(models.BatchItem) {
		bar.Add(1)
	})
	bar.Finish()
	if err != nil {
		return err
	}

	color.Green("\n✓ Imported %d, skipped %d unchanged, %d failed",
		batch.Succeeded, batch.Skipped, batch.Failed)
	for _, item := range batch.Items {
		if item.Err != nil {
			color.Red("  %s: %v", item.SourceURI, item.Err)
		}
	}
	return nil
}

func runImportURL(ctx context.Context, app *app, url string) error {
	spinner := getSpinner("🌐 Fetching " + url)
	result, err := app.ingestor.IngestURL(ctx, url)
	spinner.Finish()
	fmt.Print("\r")
	if err != nil {
		return err
	}
	printResult(url, result)
	return nil
}

func printResult(source string, result *models.IngestResult) {
	switch result.Status {
	case models.IngestUnchanged:
		color.Yellow("• %s unchanged, nothing to do", source)
	case models.IngestDuplicate:
		color.Yellow("• %s is a duplicate, linked to document %s", source, result.DocumentID)
	default:
		color.Green("✓ %s imported as %s (%d chunks)", source, result.DocumentID, result.ChunkCount)
	}
}

func runCheckUpdates(ctx context.Context, app *app) error {
	spinner := getSpinner("🔍 Checking sources for updates...")
	report, err := app.ingestor.CheckUpdates(ctx)
	spinner.Finish()
	fmt.Print("\r")
	if err != nil {
		return err
	}

	color.Green("✓ Checked %d sources, %d with updates available", report.Checked, report.Available)
	for _, item := range report.Items {
		switch {
		case item.Err != nil:
			color.Red("  %s: %v", item.SourceURI, item.Err)
		case item.UpdateAvailable:
			color.Yellow("  %s changed, re-import to refresh (document %s)", item.SourceURI, item.DocumentID)
		}
	}
	return nil
}

func runList(ctx context.Context, app *app) error {
	docs, err := app.ingestor.List(ctx, "", "")
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		color.Yellow("No documents stored")
		return nil
	}

	for _, doc := range docs {
		line := fmt.Sprintf("%s  %-10s  %3d chunks  %s",
			doc.ID, doc.Status, doc.ChunkCount, doc.Title)
		switch doc.Status {
		case models.StatusActive:
			color.Green("%s", line)
		case models.StatusOutdated:
			color.Yellow("%s", line)
		default:
			color.Red("%s", line)
		}
		fmt.Printf("    %s\n", doc.SourceURI)
	}
	return nil
}

func runStatus(ctx context.Context, app *app, config *cfgPkg.Config) error {
	health, err := app.vectorStore.Health(ctx)
	if err != nil {
		return err
	}
	color.Cyan("Documents: %d", health.Documents)
	color.Cyan("Chunks:    %d", health.Chunks)
	color.Cyan("Queries:   %d", health.Queries)
	fmt.Printf("Model:     %s (embeddings: %s) via %s\n",
		config.LLM.Model, config.LLM.EmbeddingModel, config.LLM.BaseURL)
	fmt.Printf("Context:   %d tokens, %d reserved for responses\n",
		config.LLM.ContextWindow, config.LLM.MaxTokens)
	return nil
}

func runChat(ctx context.Context, app *app) error {
	color.Cyan("\nChat with your knowledge base (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		question := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(question, "exit") {
			break
		}
		if question == "" {
			continue
		}

		spinner := getSpinner("🔍 Searching documentation...")
		stream, err := app.orchestrator.Stream(ctx, question)
		spinner.Finish()
		fmt.Print("\r")

		if err != nil {
			printQueryError(err)
			continue
		}

		assistantPrompt("Assistant: ")
		complete := false
		for {
			tok, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				complete = true
				break
			}
			if err != nil {
				fmt.Println()
				printQueryError(err)
				break
			}
			fmt.Print(tok)
		}
		stream.Close()
		fmt.Println()

		if complete {
			for _, src := range stream.Sources() {
				color.New(color.Faint).Printf("  source: %s (%s)\n", src.Title, src.SourceURI)
			}
		}
	}

	return scanner.Err()
}

func printQueryError(err error) {
	switch types.KindOf(err) {
	case types.KindThermalProtection:
		color.Yellow("Paused for hardware protection: %v", err)
	case types.KindResourceLimit:
		color.Yellow("Resource limit: %v", err)
	case types.KindTimeout:
		color.Yellow("Timed out: %v", err)
	default:
		color.Red("Error: %v", err)
	}
}
