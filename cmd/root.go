package cmd

import (
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app = "eor-quoter"
)

type Config struct {
	AI        *AIConfig        `mapstructure:"ai"`
	Legal     *LegalConfig     `mapstructure:"legal"`
	Currency  *CurrencyConfig  `mapstructure:"currency"`
	Quote     *QuoteConfig     `mapstructure:"quote"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

type AIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Provider    string        `mapstructure:"provider"`
	StrictJSON  bool          `mapstructure:"strict-json"`
	CallTimeout time.Duration `mapstructure:"call-timeout"`
	StageBudget time.Duration `mapstructure:"stage-budget"`
	Gemini      *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKeyFile   string `mapstructure:"api-key-file"`
	APIKeyEnv    string `mapstructure:"api-key-env"`
	Model        string `mapstructure:"model"`
	MaxRetries   int    `mapstructure:"max-retries"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

type LegalConfig struct {
	DataFile string `mapstructure:"data-file"`
}

type CurrencyConfig struct {
	Reference string             `mapstructure:"reference"`
	Rates     map[string]float64 `mapstructure:"rates"`
}

type QuoteConfig struct {
	Country        string  `mapstructure:"country"`
	BaseSalary     float64 `mapstructure:"base-salary"`
	ContractMonths int     `mapstructure:"contract-months"`
	Mode           string  `mapstructure:"mode"`
	TargetCurrency string  `mapstructure:"target-currency"`
	BillRate       float64 `mapstructure:"bill-rate"`
	Threshold      float64 `mapstructure:"threshold"`
	RiskMode       string  `mapstructure:"risk-mode"`
	Concurrency    int     `mapstructure:"concurrency"`
	SessionID      string  `mapstructure:"session-id"`
}

type ProviderConfig struct {
	ID        string `mapstructure:"id"`
	File      string `mapstructure:"file"`
	URL       string `mapstructure:"url"`
	TokenFile string `mapstructure:"token-file"`
	TokenEnv  string `mapstructure:"token-env"`
	Inactive  bool   `mapstructure:"inactive"`
	Country   string `mapstructure:"country"`
	Currency  string `mapstructure:"currency"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "eor-quoter checks EOR provider quotes against local employment law and picks a safe estimate",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	if err := viper.BindEnv("ai.gemini.api-key-file", "GEMINI_API_KEY_FILE"); err != nil {
		log.Fatalf("binding GEMINI_API_KEY_FILE environment variable: %v", err)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is eor-quoter.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// Only the quote command reads the config file.
	if quoteCmd.CalledAs() == "" {
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app + ".yaml")
		viper.SetConfigType("yaml")
	}

	// We can't proceed if the config file parsed with error.
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}
