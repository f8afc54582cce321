package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bookswap/library"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// catalog is the librarian's import file.
type catalog struct {
	Members []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
	} `yaml:"members"`
	Books []library.Book `yaml:"books"`
}

var (
	dbPath   string
	file     string
	lockWait time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "import_books",
	Short:        "Load members and books, with their current holders, into the ledger",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		defer logger.Sync()
		return importCatalog(cmd.Context(), logger)
	},
}

func init() {
	rootCmd.Flags().StringVar(&dbPath, "db", "library.db", "SQLite ledger to import into")
	rootCmd.Flags().StringVar(&file, "catalog", "catalog.yaml", "YAML catalog of members and books")
	rootCmd.Flags().DurationVar(&lockWait, "lock-wait", 10*time.Second, "how long to wait for another import to finish")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func importCatalog(ctx context.Context, logger *zap.Logger) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}
	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("parsing catalog %s: %w", file, err)
	}

	// One import at a time per ledger.
	lock := flock.New(dbPath + ".import.lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	cancel()
	if err != nil {
		return fmt.Errorf("locking %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another import holds %s", lock.Path())
	}
	defer lock.Unlock()

	db, err := library.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	manager := library.NewLibraryManager(db, nil, logger)
	defer manager.Close()

	successCount, skipCount, errorCount := 0, 0, 0
	tally := func(kind, id string, err error) {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, library.ErrInvalidInput) && strings.Contains(err.Error(), "already exists"):
			skipCount++
		default:
			logger.Error("import failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
			errorCount++
		}
	}

	for _, m := range cat.Members {
		tally("member", m.ID, manager.AddMember(ctx, m.ID, m.Name, m.Email, m.Password))
	}
	for _, b := range cat.Books {
		tally("book", b.ID, manager.AddBook(ctx, b.ID, b.Title, b.Author, b.CurrentHolder))
	}

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Imported: %d, already present: %d, errors: %d\n", successCount, skipCount, errorCount)

	books, err := manager.GetAllBooks(ctx)
	if err != nil {
		return fmt.Errorf("retrieving books: %w", err)
	}
	fmt.Printf("\n%-12s %-50s %-20s\n", "ID", "Title", "Holder")
	fmt.Println(strings.Repeat("-", 85))
	for _, book := range books {
		fmt.Printf("%-12s %-50s %-20s\n", book.ID, truncateString(book.Title, 50), book.CurrentHolder)
	}
	if errorCount > 0 {
		return fmt.Errorf("%d catalog entries failed to import", errorCount)
	}
	return nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
