package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"multidoc-rag/internal/api"
	"multidoc-rag/internal/chromemdb"
	"multidoc-rag/internal/chunker"
	"multidoc-rag/internal/config"
	"multidoc-rag/internal/converter"
	"multidoc-rag/internal/db"
	"multidoc-rag/internal/embedding"
	"multidoc-rag/internal/helper"
	"multidoc-rag/internal/llmservice"
	"multidoc-rag/internal/parser"
	"multidoc-rag/internal/rag"
	"multidoc-rag/internal/sqlitevec"
)

const configFilePath = "./configs/config.yaml"

func main() {
	configPath := flag.String("config", configFilePath, "Path to the config file")
	serve := flag.Bool("serve", false, "Start the HTTP API")
	filePath := flag.String("file", "", "Path to the document file to ingest")
	query := flag.String("query", "", "Question to be answered")
	topK := flag.Int("top-k", 0, "Number of chunks to retrieve (0 uses rag.top_k)")
	doc := flag.String("doc", "", "Restrict the query to one document")
	list := flag.Bool("list", false, "List ingested documents")
	deleteName := flag.String("delete", "", "Delete a document by name")
	dryRun := flag.Bool("dry-run", false, "Dry run, parse and chunk without saving")
	exportPath := flag.String("export", "", "Export the chromem store to an encrypted file")
	importPath := flag.String("import", "", "Import the chromem store from an encrypted file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// logger is not configured yet
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		log.Fatal().Err(err).Msg("Error loading config")
	}
	setupLogger(cfg.Log)
	log.Debug().Interface("config", redacted(cfg)).Msg("Loaded config")

	if *filePath != "" && *query != "" {
		log.Fatal().Msg("Please provide either a document file using the -file flag or a query using the -query flag, but not both")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store.Type).Msg("Error opening vector store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing vector store")
		}
	}()

	switch {
	case *exportPath != "" || *importPath != "":
		err = backup(store, *exportPath, *importPath, cfg.RAG.EncryptionKey)
	case *list:
		err = listDocuments(ctx, store)
	case *deleteName != "" || *filePath != "" || *query != "" || *serve:
		var pipeline *rag.RAG
		pipeline, err = buildPipeline(cfg, store)
		if err != nil {
			break
		}
		switch {
		case *deleteName != "":
			err = deleteDocument(ctx, pipeline, *deleteName)
		case *filePath != "":
			err = ingestFile(ctx, pipeline, *filePath, *dryRun)
		case *query != "":
			err = askQuestion(ctx, pipeline, rag.QueryRequest{Question: *query, TopK: *topK, FilterDocument: *doc})
		default:
			server := api.NewServer(pipeline, cfg.Server.MaxUploadMB<<20)
			err = server.Run(ctx, cfg.Server)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		// os.Exit skips deferred calls
		stop()
		_ = store.Close()
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()
}

// redacted hides API keys before the config is logged.
func redacted(cfg *config.Config) config.Config {
	c := *cfg
	if c.InferenceLLM.Key != "" {
		c.InferenceLLM.Key = "***"
	}
	if c.EmbedLLM.Key != "" {
		c.EmbedLLM.Key = "***"
	}
	if c.RAG.EncryptionKey != "" {
		c.RAG.EncryptionKey = "***"
	}
	return c
}

func openStore(ctx context.Context, cfg config.StoreConfig) (rag.Store, error) {
	switch cfg.Type {
	case config.StorePostgres:
		return db.NewStore(ctx, cfg.DSN, cfg.Debug)
	case config.StoreSQLite:
		if err := helper.CreateFolder(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
		return sqlitevec.NewStore(ctx, cfg.Path)
	default:
		if !cfg.InMemory {
			if err := helper.CreateFolder(cfg.Path); err != nil {
				return nil, err
			}
		}
		return chromemdb.NewVectorDBManager(cfg.Path, cfg.Collection, cfg.InMemory, cfg.Compress)
	}
}

func buildPipeline(cfg *config.Config, store rag.Store) (*rag.RAG, error) {
	var conv parser.Converter
	if cfg.Converter.Enabled {
		sc := converter.NewSofficeConverter(cfg.Converter.Command, cfg.Converter.Timeout)
		if sc.Available() {
			conv = sc
		} else {
			log.Warn().Str("command", cfg.Converter.Command).Msg("Converter not found, DOCX pages will be estimated")
		}
	}

	ch, err := chunker.New(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewEmbedder(&cfg.EmbedLLM)
	if err != nil {
		return nil, err
	}
	llm, err := llmservice.NewLLM(&cfg.InferenceLLM)
	if err != nil {
		return nil, err
	}

	return rag.NewRAG(
		parser.NewLoader(conv),
		ch,
		embedding.NewService(embedder, cfg.EmbedLLM),
		store,
		llmservice.NewGenerator(llm, cfg.InferenceLLM),
		cfg.RAG,
	), nil
}

func ingestFile(ctx context.Context, pipeline *rag.RAG, path string, dryRun bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	opts := []rag.IngestOption{}
	var bar *progressbar.ProgressBar
	if dryRun {
		opts = append(opts, rag.WithDryRun())
	} else {
		opts = append(opts, rag.WithProgress(func(done, total int) {
			if bar == nil {
				bar = getProgressBar(total, "Embedding chunks")
			}
			_ = bar.Set(done)
		}))
	}

	res, err := pipeline.Ingest(ctx, filepath.Base(path), data, opts...)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return err
	}

	if dryRun {
		color.Cyan("Chunks: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		helper.PrettyPrint(res.Chunks)
	}
	d := res.Document
	color.Green("%s: %d pages, %d chunks (%s)", d.Name, d.PageCount, d.ChunkCount, d.Format)
	return nil
}

func askQuestion(ctx context.Context, pipeline *rag.RAG, req rag.QueryRequest) error {
	res, err := pipeline.Query(ctx, req)
	if err != nil {
		return err
	}

	color.Cyan("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", req.Question)

	color.Cyan("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", res.Answer.Text)

	color.Cyan("Sources (%d of %d retrieved): ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>", len(res.Answer.Sources), res.RetrievedChunks)
	for _, s := range res.Answer.Sources {
		page := fmt.Sprintf("page %d", s.Page)
		if s.IsSection {
			page = fmt.Sprintf("section %d", s.Page)
		}
		fmt.Printf("  %s %s %s\n", color.YellowString(s.DocumentName), page, color.HiBlackString(s.ChunkID))
	}
	return nil
}

func listDocuments(ctx context.Context, store rag.Store) error {
	docs, err := store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		color.Yellow("No documents ingested")
		return nil
	}
	for _, d := range docs {
		fmt.Printf("%-40s %-5s %4d pages %5d chunks  %s\n",
			color.GreenString(d.Name), d.Format, d.PageCount, d.ChunkCount, d.UploadedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func deleteDocument(ctx context.Context, pipeline *rag.RAG, name string) error {
	n, err := pipeline.Delete(ctx, name)
	if err != nil {
		return err
	}
	color.Green("Deleted %s (%d chunks)", rag.SanitizeName(name), n)
	return nil
}

func backup(store rag.Store, exportPath, importPath, key string) error {
	m, ok := store.(*chromemdb.VectorDBManager)
	if !ok {
		return fmt.Errorf("export and import need the chromem store")
	}
	if importPath != "" {
		if err := m.Import(importPath, key); err != nil {
			return err
		}
		color.Green("Imported %s", importPath)
	}
	if exportPath != "" {
		if err := m.Export(exportPath, key); err != nil {
			return err
		}
		color.Green("Exported to %s", exportPath)
	}
	return nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}
