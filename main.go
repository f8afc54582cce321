package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bookswap/config"
	"bookswap/library"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var (
	cfgPath    string
	verbose    bool
	jsonOutput bool

	logger  *zap.Logger
	manager *library.LibraryManager
)

var rootCmd = &cobra.Command{
	Use:   "bookswap",
	Short: "Lend physical books between members",
	Long: `bookswap keeps the ledger of who holds which book and arbitrates
requests to borrow it. A holder accepts one request per book; every
competing request for that book is declined automatically.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if logger, err = buildLogger(cfg.Log.Level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		manager, err = openManager(cfg, logger)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "bookswap.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print lists as JSON")

	rootCmd.AddCommand(memberCmd, bookCmd, requestCmd, inboxCmd, outboxCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(1)
	}
}

// run executes one command. The manager and logger are released even when
// the command fails, since cobra skips post-run hooks on error.
func run(ctx context.Context, args []string) error {
	defer shutdown()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func shutdown() {
	if manager != nil {
		if err := manager.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
		manager = nil
	}
	if logger != nil {
		_ = logger.Sync()
		logger = nil
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func openManager(cfg *config.Config, logger *zap.Logger) (*library.LibraryManager, error) {
	db, err := library.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var notifier library.Notifier
	switch cfg.Notify.Driver {
	case "smtp":
		notifier = &library.SMTPNotifier{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}
	default:
		notifier = library.LogNotifier{Logger: logger.Named("mail")}
	}

	// Validated by config.Load.
	timeout, _ := cfg.NotifyTimeout()
	delay, _ := cfg.RetryBaseDelay()

	queue := library.NewNotificationQueue(notifier, cfg.Notify.Workers, cfg.Notify.QueueSize,
		library.WithQueueLogger(logger.Named("notify")),
		library.WithDeliveryTimeout(timeout))

	return library.NewLibraryManager(db, queue, logger.Named("engine"),
		library.WithRetry(cfg.Retry.MaxAttempts, delay)), nil
}

// readPassword securely reads a password with masking. BOOKSWAP_PASSWORD,
// when set, is used instead of prompting.
func readPassword(prompt string) (string, error) {
	if pw := os.Getenv("BOOKSWAP_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(os.Stderr) // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

// authenticateUser prompts for and verifies the acting member's credentials.
func authenticateUser(ctx context.Context, memberID string) error {
	password, err := readPassword(fmt.Sprintf("Password for %s: ", memberID))
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if err := manager.AuthenticateMember(ctx, memberID, password); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// describe turns engine errors into the exact condition for the member.
func describe(err error) string {
	switch {
	case errors.Is(err, library.ErrRetriesExhausted):
		return "the book ledger is busy, nothing was changed; please try again"
	case errors.Is(err, library.ErrUnsupportedKind):
		return "transfer requests cannot be accepted or declined yet"
	case errors.Is(err, library.ErrNotFound),
		errors.Is(err, library.ErrInvalidState),
		errors.Is(err, library.ErrForbidden),
		errors.Is(err, library.ErrInvalidInput),
		errors.Is(err, library.ErrAuthentication):
		return strings.TrimPrefix(err.Error(), "library: ")
	}
	return err.Error()
}

// printJSON writes v to stdout for scripts consuming --json output.
func printJSON(v any) error {
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
