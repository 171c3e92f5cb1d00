package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "askdb"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage askdb configuration.

Running bare 'askdb config' is the same as 'askdb config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# askdb configuration
# See: askdb config show (for effective values and sources)

# Run history database (default: ~/.config/askdb/history.db)
# db_path: {{ .DBPath }}

anthropic:
  # API key; ANTHROPIC_API_KEY is used when empty
  api_key: ""
  model: "{{ .Model }}"
  max_tokens: {{ .MaxTokens }}

agent:
  # Reasoning steps per question, failed oracle calls included
  max_iterations: {{ .MaxIterations }}
  # Deadline for one question
  timeout: {{ .Timeout }}
  # Row limit added to queries without one
  row_limit: {{ .RowLimit }}
  # Consecutive oracle failures tolerated before giving up
  oracle_retries: {{ .OracleRetries }}

session:
  # Sessions with no questions for this long are closed
  idle_timeout: {{ .IdleTimeout }}

server:
  port: {{ .Port }}
  cors_origin: "{{ .CORSOrigin }}"

telemetry:
  # OTLP/HTTP endpoint, e.g. localhost:4318; empty disables telemetry
  endpoint: "{{ .TelemetryEndpoint }}"

log:
  # debug, info, warn or error
  level: {{ .LogLevel }}
`

type configTemplateData struct {
	DBPath            string
	Model             string
	MaxTokens         int
	MaxIterations     int
	Timeout           string
	RowLimit          int
	OracleRetries     int
	IdleTimeout       string
	Port              int
	CORSOrigin        string
	TelemetryEndpoint string
	LogLevel          string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// renderConfig fills the template with the effective values.
func renderConfig() ([]byte, error) {
	data := configTemplateData{
		DBPath:            viper.GetString("db_path"),
		Model:             viper.GetString("anthropic.model"),
		MaxTokens:         viper.GetInt("anthropic.max_tokens"),
		MaxIterations:     viper.GetInt("agent.max_iterations"),
		Timeout:           viper.GetDuration("agent.timeout").String(),
		RowLimit:          viper.GetInt("agent.row_limit"),
		OracleRetries:     viper.GetInt("agent.oracle_retries"),
		IdleTimeout:       viper.GetDuration("session.idle_timeout").String(),
		Port:              viper.GetInt("server.port"),
		CORSOrigin:        viper.GetString("server.cors_origin"),
		TelemetryEndpoint: viper.GetString("telemetry.endpoint"),
		LogLevel:          viper.GetString("log.level"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}
	return buf.Bytes(), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	_, statErr := os.Stat(cfgPath)
	exists := statErr == nil
	if exists && !configForce {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
	}

	content, err := renderConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	// 0600: the file may end up holding an API key.
	if err := os.WriteFile(cfgPath, content, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	if exists {
		ui.Warning("Overwrote existing config file")
	}
	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	_, _ = ui.Out.Write(content)
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "db_path", EnvVar: "ASKDB_DB_PATH"},
	{Key: "anthropic.api_key", EnvVar: "ASKDB_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "ASKDB_ANTHROPIC_MODEL"},
	{Key: "anthropic.max_tokens", EnvVar: "ASKDB_ANTHROPIC_MAX_TOKENS"},
	{Key: "agent.max_iterations", EnvVar: "ASKDB_AGENT_MAX_ITERATIONS"},
	{Key: "agent.timeout", EnvVar: "ASKDB_AGENT_TIMEOUT"},
	{Key: "agent.row_limit", EnvVar: "ASKDB_AGENT_ROW_LIMIT"},
	{Key: "agent.oracle_retries", EnvVar: "ASKDB_AGENT_ORACLE_RETRIES"},
	{Key: "session.idle_timeout", EnvVar: "ASKDB_SESSION_IDLE_TIMEOUT"},
	{Key: "server.port", EnvVar: "ASKDB_SERVER_PORT"},
	{Key: "server.cors_origin", EnvVar: "ASKDB_SERVER_CORS_ORIGIN"},
	{Key: "telemetry.endpoint", EnvVar: "ASKDB_TELEMETRY_ENDPOINT"},
	{Key: "log.level", EnvVar: "ASKDB_LOG_LEVEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	inFile := fileKeys(cfgPath)
	if len(inFile) > 0 {
		ui.Info("Config file: %s", cfgPath)
	} else if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s (empty or unreadable)", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	for _, k := range configKeys {
		var val any = viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		fmt.Fprintf(ui.Out, "  %-22s %v  (%s)\n", k.Key, val, configSource(k.Key, k.EnvVar, inFile))
	}
	return nil
}

// maskSecret hides all but the last four characters.
func maskSecret(s string) string {
	switch {
	case s == "":
		return "(unset)"
	case len(s) <= 4:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}

// fileKeys returns the dotted keys set in the YAML file at path. A missing
// or malformed file yields an empty set.
func fileKeys(path string) map[string]bool {
	keys := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return keys
	}
	var doc map[string]any
	if yaml.Unmarshal(data, &doc) != nil {
		return keys
	}
	collectKeys("", doc, keys)
	return keys
}

// collectKeys adds every leaf of m to keys in dot notation.
func collectKeys(prefix string, m map[string]any, keys map[string]bool) {
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			collectKeys(k, child, keys)
			continue
		}
		keys[k] = true
	}
}

// configSource names where the effective value of key comes from. Env wins
// over the file, matching viper's precedence.
func configSource(key, envVar string, inFile map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return "env: " + envVar
	}
	if inFile[key] {
		return "file"
	}
	return "default"
}

// editor returns the user's editor command.
func editor() (string, error) {
	for _, env := range []string{"EDITOR", "VISUAL"} {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("$EDITOR is not set, e.g. export EDITOR=vim")
}

func configEditRun() error {
	ed, err := editor()
	if err != nil {
		return err
	}
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s (run 'askdb config init' first)", cfgPath)
	}

	c := exec.Command(ed, cfgPath)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}
