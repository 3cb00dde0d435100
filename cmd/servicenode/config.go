package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pantos-io/servicenode/config"
	"github.com/pantos-io/servicenode/internal"
)

const (
	defaultDatadir = ".pantos-servicenode" // Will be prefixed with user's home directory
	configFileName = "service-node-config"
)

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// loadConfig loads configuration from flags, environment variables, the
// configuration file and defaults
func loadConfig() (*config.Config, error) {
	v := viper.New()

	// Set up default values
	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	config.SetDefaults(v)
	v.SetDefault("datadir", defaultDatadirPath)

	// Configure flags
	flag.StringP("config", "c", "", "configuration file with the blockchain settings (YAML)")
	flag.StringP("node.url", "u", "", "public URL of this service node, announced in the hub registrations (required)")
	flag.String("node.protocol", config.DefaultProtocol, "Pantos protocol version to run")
	flag.StringP("signer.keyfile", "k", "", "encrypted keystore file with the bid signing key (required)")
	flag.String("signer.password", "", "password of the bid signing keystore")
	flag.StringP("api.host", "a", config.DefaultAPIHost, "API host")
	flag.IntP("api.port", "p", config.DefaultAPIPort, "API port")
	flag.String("plugins.bids.name", config.DefaultBidPluginName, "bid plugin to use")
	flag.StringP("log.level", "l", config.DefaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", config.DefaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database and storage files")

	// Configure usage information
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "pantos-servicenode v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: pantos-servicenode [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  prefixed with PANTOS_SN and with dots (.) replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, PANTOS_SN_NODE_URL or PANTOS_SN_API_PORT\n")
		fmt.Fprintf(os.Stderr, "\nThe blockchain settings are read from the configuration file. Any file\n")
		fmt.Fprintf(os.Stderr, "  key can be overridden through its environment variable, for example\n")
		fmt.Fprintf(os.Stderr, "  PANTOS_SN_CHAINS_ETHEREUM_PROVIDER\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start with the configuration file in the working directory\n")
		fmt.Fprintf(os.Stderr, "  pantos-servicenode --node.url=https://sn1.example.com --signer.keyfile=signer.json\n\n")
		fmt.Fprintf(os.Stderr, "  # Start with an explicit configuration file\n")
		fmt.Fprintf(os.Stderr, "  pantos-servicenode --config=/etc/pantos/%s.yml\n", configFileName)
	}

	// Parse flags
	flag.CommandLine.SortFlags = false
	flag.Parse()

	// Configure Viper to use environment variables
	v.SetEnvPrefix("PANTOS_SN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	// Read the configuration file. An explicitly given file must exist, the
	// default one is optional.
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading configuration file: %w", err)
		}
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pantos")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading configuration file: %w", err)
			}
		}
	}

	// Create config struct
	cfg := &config.Config{}

	// Unmarshal configuration into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}
