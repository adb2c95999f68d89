// Package main provides the MuninGraph CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orneryd/muningraph/pkg/config"
	"github.com/orneryd/muningraph/pkg/ingest"
	"github.com/orneryd/muningraph/pkg/muningraph"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	flagForceFullSync        bool
	flagForceIncrementalSync bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "muningraph",
		Short: "MuninGraph - PKM knowledge-graph storage engine",
		Long: `MuninGraph stores a personal-knowledge-management graph: pages and
blocks as nodes, references ([[page]] links, ((block)) refs, #tags,
property links, containment) as typed edges.

Features:
  • Batch ingestion with per-record validation
  • Reference extraction into typed edges
  • Incremental/full sync cadence tracking
  • Archive-before-remove reconciliation
  • Checksummed snapshot persistence (JSON file or BadgerDB)`,
	}
	rootCmd.PersistentFlags().BoolVar(&flagForceFullSync, "force-full-sync", false,
		"Request a full sync regardless of cadence")
	rootCmd.PersistentFlags().BoolVar(&flagForceIncrementalSync, "force-incremental-sync", false,
		"Request an incremental sync regardless of cadence")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("MuninGraph v%s (%s)\n", version, commit)
		},
	})

	// Status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print sync status as JSON",
		RunE:  runStatus,
	}
	statusCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(statusCmd)

	// Ingest command
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest page/block batches from JSON files",
		Long: `Ingest reads JSON arrays of page or block records and applies them
as one batch each. Pages are applied before blocks so containment
edges resolve in one pass.`,
		RunE: runIngest,
	}
	ingestCmd.Flags().String("data-dir", "./data", "Data directory")
	ingestCmd.Flags().String("pages", "", "JSON file with an array of page records")
	ingestCmd.Flags().String("blocks", "", "JSON file with an array of block records")
	rootCmd.AddCommand(ingestCmd)

	// Verify command
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Reconcile the graph against a live manifest, archiving the rest",
		RunE:  runVerify,
	}
	verifyCmd.Flags().String("data-dir", "./data", "Data directory")
	verifyCmd.Flags().String("manifest", "", "JSON file with {\"pages\": [...], \"blocks\": [...]}")
	verifyCmd.MarkFlagRequired("manifest")
	rootCmd.AddCommand(verifyCmd)

	// Export command
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the current snapshot document to a file",
		RunE:  runExport,
	}
	exportCmd.Flags().String("data-dir", "./data", "Data directory")
	exportCmd.Flags().String("out", "", "Output file (stdout when omitted)")
	rootCmd.AddCommand(exportCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openDB builds the config from environment, applies CLI overrides, and
// opens the database.
func openDB(cmd *cobra.Command) (*muningraph.DB, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	cfg := config.LoadFromEnv()
	cfg.Sync.ForceFullSync = flagForceFullSync
	cfg.Sync.ForceIncrementalSync = flagForceIncrementalSync

	db, err := muningraph.Open(dataDir, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	out, err := json.MarshalIndent(db.SyncStatus(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	pagesPath, _ := cmd.Flags().GetString("pages")
	blocksPath, _ := cmd.Flags().GetString("blocks")
	if pagesPath == "" && blocksPath == "" {
		return fmt.Errorf("nothing to ingest: pass --pages and/or --blocks")
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()

	if pagesPath != "" {
		var pages []ingest.PageRecord
		if err := readJSONFile(pagesPath, &pages); err != nil {
			return err
		}
		report, err := db.IngestPages(ctx, pages)
		if err != nil {
			return err
		}
		printReport("pages", report)
	}

	if blocksPath != "" {
		var blocks []ingest.BlockRecord
		if err := readJSONFile(blocksPath, &blocks); err != nil {
			return err
		}
		report, err := db.IngestBlocks(ctx, blocks)
		if err != nil {
			return err
		}
		printReport("blocks", report)
	}
	return nil
}

// manifest is the verify input shape: the producer's complete list of
// currently-live page names and block ids.
type manifest struct {
	Pages  []string `json:"pages"`
	Blocks []string `json:"blocks"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	manifestPath, _ := cmd.Flags().GetString("manifest")

	var m manifest
	if err := readJSONFile(manifestPath, &m); err != nil {
		return err
	}

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := db.VerifyAndArchive(context.Background(), m.Pages, m.Blocks)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	fmt.Printf("✅ Verified against %d pages, %d blocks\n", len(m.Pages), len(m.Blocks))
	fmt.Printf("   Archived: %d\n", report.ArchivedCount)
	for _, detail := range report.Details {
		fmt.Printf("   - %s\n", detail)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	outPath, _ := cmd.Flags().GetString("out")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	out, err := json.MarshalIndent(db.Export(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	if outPath == "" {
		fmt.Println(string(out))
		return nil
	}
	if err := os.WriteFile(outPath, out, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	nodes, edges := db.Stats()
	fmt.Printf("✅ Exported %d nodes, %d edges to %s\n", nodes, edges, outPath)
	return nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func printReport(what string, report ingest.BatchReport) {
	fmt.Printf("✅ Ingested %s: total=%d accepted=%d skipped=%d\n",
		what, report.Total, report.Accepted, report.Skipped)
	for _, msg := range report.Errors {
		fmt.Printf("   ⚠️  %s\n", msg)
	}
}
