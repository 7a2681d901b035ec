package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/acidtest"
	"github.com/spigell/eor-quoter/internal/ai"
	"github.com/spigell/eor-quoter/internal/ai/gemini"
	"github.com/spigell/eor-quoter/internal/extract"
	"github.com/spigell/eor-quoter/internal/gap"
	"github.com/spigell/eor-quoter/internal/legal"
	"github.com/spigell/eor-quoter/internal/logger"
	"github.com/spigell/eor-quoter/internal/money"
	"github.com/spigell/eor-quoter/internal/pipeline"
	"github.com/spigell/eor-quoter/internal/profile"
	"github.com/spigell/eor-quoter/internal/quotesource"
	"github.com/spigell/eor-quoter/internal/reconcile"
	"github.com/spigell/eor-quoter/internal/secrets"
	"github.com/spigell/eor-quoter/internal/session"
)

const (
	PromptPrint = "Print report"
	PromptDump  = "Dump report to file"
	PromptExit  = "Exit"

	defaultStageBudget = 2 * time.Minute
)

var errExit = errors.New("exit requested")

var prompt = promptui.Select{
	Label: "Report is ready",
	Items: []string{PromptPrint, PromptDump, PromptExit},
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Run the full quote pipeline for the configured providers",
	Run: func(cmd *cobra.Command, _ []string) {
		quote(cmd)
	},
}

func init() {
	rootCmd.AddCommand(quoteCmd)

	quoteCmd.Flags().BoolP("auto-approve", "y", false, "do not prompt; an unset bill rate skips the acid test")
	quoteCmd.Flags().Float64("bill-rate", 0, "monthly client bill rate in the target currency")
	quoteCmd.Flags().Bool("no-ai", false, "use the deterministic paths only")

	viper.BindPFlag("quote.bill-rate", quoteCmd.Flags().Lookup("bill-rate"))
}

func quote(cmd *cobra.Command) {
	ctx := context.Background()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}
	if config == nil || config.Quote == nil {
		logger.Fatal("config with a quote section is required")
	}

	logger.Info("starting the eor-quoter", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	autoApprove := cmd.Flag("auto-approve").Value.String() == "true"
	if config.Quote.BillRate <= 0 && !autoApprove {
		rate, err := askBillRate(config.Quote.TargetCurrency)
		if err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}
		config.Quote.BillRate = rate
	}

	if cmd.Flag("no-ai").Value.String() == "true" && config.AI != nil {
		config.AI.Enabled = false
	}

	runner, err := newRunner(ctx, config, logger)
	if err != nil {
		logger.Fatal("building the pipeline", zap.Error(err))
	}

	runCfg, err := pipelineConfig(config)
	if err != nil {
		logger.Fatal("reading quote parameters", zap.Error(err))
	}

	providers, err := buildProviders(config.Providers, logger)
	if err != nil {
		logger.Fatal("configuring providers", zap.Error(err))
	}
	if len(providers) == 0 {
		logger.Info("exiting", zap.String("reason", "no providers configured"))
		return
	}

	report, err := runner.Run(ctx, runCfg, providers)
	if err != nil {
		logger.Fatal("quote pipeline failed", zap.Error(err))
	}

	logger.Info("quote finished",
		zap.String("session_id", report.SessionID),
		zap.Int("providers", len(report.Outcomes)),
		zap.Int("warnings", len(report.Warnings)),
	)

	if autoApprove {
		if err := printReport(report); err != nil {
			logger.Fatal("printing report", zap.Error(err))
		}
		return
	}

	for {
		_, action, err := prompt.Run()
		if err != nil {
			logger.Fatal("exiting", zap.Error(err))
		}
		if err := handleAction(action, report, logger); err != nil {
			if errors.Is(err, errExit) {
				return
			}
			logger.Fatal("exiting", zap.Error(err))
		}
	}
}

func handleAction(action string, report *pipeline.Report, logger *zap.Logger) error {
	switch action {
	case PromptPrint:
		return printReport(report)
	case PromptDump:
		filename, err := dumpToTmpFile(report)
		if err != nil {
			return fmt.Errorf("dump report to file: %w", err)
		}
		logger.Info("dumping report to file", zap.String("filename", filename))
		return nil
	case PromptExit:
		logger.Info("exiting", zap.String("reason", "got exit from prompt"))
		return errExit
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
}

func printReport(report *pipeline.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

func dumpToTmpFile(report *pipeline.Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	file, err := os.CreateTemp("", app+"-"+report.SessionID+"-*.json")
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return "", err
	}
	return file.Name(), nil
}

func askBillRate(currency string) (float64, error) {
	p := promptui.Prompt{
		Label: fmt.Sprintf("Monthly bill rate in %s (empty skips the acid test)", strings.ToUpper(currency)),
		Validate: func(s string) error {
			_, err := parseBillRate(s)
			return err
		},
	}
	answer, err := p.Run()
	if err != nil {
		return 0, err
	}
	return parseBillRate(answer)
}

func parseBillRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bill rate %q is not a number", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("bill rate must not be negative")
	}
	return v, nil
}

func pipelineConfig(config *Config) (pipeline.Config, error) {
	q := config.Quote
	mode, err := profile.ParseMode(q.Mode)
	if err != nil {
		return pipeline.Config{}, err
	}
	risk, err := reconcile.ParseRiskMode(q.RiskMode)
	if err != nil {
		return pipeline.Config{}, err
	}

	budget := defaultStageBudget
	if config.AI != nil && config.AI.StageBudget > 0 {
		budget = config.AI.StageBudget
	}
	reference := ""
	if config.Currency != nil {
		reference = config.Currency.Reference
	}
	if q.SessionID != "" && !session.ValidID(q.SessionID) {
		return pipeline.Config{}, fmt.Errorf("session id %q is not a uuid", q.SessionID)
	}

	return pipeline.Config{
		Params: profile.Params{
			Country:           q.Country,
			BaseSalaryMonthly: q.BaseSalary,
			ContractMonths:    q.ContractMonths,
			Mode:              mode,
		},
		TargetCurrency:    q.TargetCurrency,
		ReferenceCurrency: reference,
		BillRate:          q.BillRate,
		Threshold:         q.Threshold,
		RiskMode:          risk,
		Concurrency:       q.Concurrency,
		StageBudget:       budget,
		SessionID:         q.SessionID,
	}, nil
}

func newRunner(ctx context.Context, config *Config, logger *zap.Logger) (*pipeline.Runner, error) {
	if config.Legal == nil || strings.TrimSpace(config.Legal.DataFile) == "" {
		return nil, errors.New("legal.data-file is required")
	}
	store, err := legal.LoadFile(config.Legal.DataFile)
	if err != nil {
		return nil, err
	}

	var rates map[string]float64
	if config.Currency != nil {
		rates = config.Currency.Rates
	}
	conv, err := money.NewStaticRates(rates)
	if err != nil {
		return nil, fmt.Errorf("currency rates: %w", err)
	}

	gen, err := newGenerator(ctx, config.AI, logger)
	if err != nil {
		return nil, fmt.Errorf("building ai generator: %w", err)
	}
	strict := config.AI != nil && config.AI.StrictJSON

	return &pipeline.Runner{
		Assembler:  profile.NewAssembler(store, gen, strict, logger),
		Extractor:  extract.NewExtractor(gen, strict, extract.NewCache(), logger),
		Engine:     gap.NewEngine(gen, strict, logger),
		Narrator:   reconcile.NewNarrator(gen, strict, logger),
		Calculator: acidtest.NewCalculator(gen, strict, conv, logger),
		Converter:  conv,
		Sessions:   &session.Table{},
		Logger:     logger,
	}, nil
}

// newGenerator returns nil when the model is disabled; every component then runs its
// deterministic path.
func newGenerator(ctx context.Context, cfg *AIConfig, base *zap.Logger) (ai.Generator, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}
	if cfg.Gemini == nil {
		return nil, errors.New("gemini configuration is required when ai is enabled")
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name: "gemini api key",
		File: cfg.Gemini.APIKeyFile,
		Env:  cfg.Gemini.APIKeyEnv,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key-file or GEMINI_API_KEY_FILE)", err)
	}

	genLogger := logger.WithFields(logger.WithModel(base, cfg.Gemini.Model),
		logger.StringFields(logger.StringField{Key: "ai_provider", Value: "gemini"})...,
	)

	generator, err := gemini.NewGenerator(ctx, gemini.Options{
		APIKey:       apiKey,
		Model:        cfg.Gemini.Model,
		MaxRetries:   cfg.Gemini.MaxRetries,
		CallTimeout:  cfg.CallTimeout,
		MaxLogLength: cfg.Gemini.MaxLogLength,
	}, genLogger)
	if err != nil {
		return nil, err
	}
	return generator, nil
}

func buildProviders(configs []ProviderConfig, base *zap.Logger) ([]pipeline.Provider, error) {
	providers := make([]pipeline.Provider, 0, len(configs))
	for _, pc := range configs {
		p := pipeline.Provider{
			ID:       strings.TrimSpace(pc.ID),
			Inactive: pc.Inactive,
			Country:  pc.Country,
			Currency: pc.Currency,
		}
		if p.ID == "" {
			return nil, errors.New("provider id is required")
		}

		switch {
		case pc.Inactive:
		case pc.File != "" && pc.URL != "":
			return nil, fmt.Errorf("provider %s: set either file or url, not both", p.ID)
		case pc.File != "":
			p.Source = quotesource.File{Path: pc.File}
		case pc.URL != "":
			token, err := secrets.Optional(secrets.Source{
				Name: p.ID + " provider token",
				File: pc.TokenFile,
				Env:  pc.TokenEnv,
			})
			if err != nil {
				return nil, err
			}
			p.Source = quotesource.NewHTTP(pc.URL, token, logger.WithProvider(base, p.ID, pipeline.StageFetch))
		default:
			return nil, fmt.Errorf("provider %s has no file or url", p.ID)
		}
		providers = append(providers, p)
	}
	return providers, nil
}
