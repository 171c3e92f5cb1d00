package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/askdb/internal/agent"
	"github.com/joescharf/askdb/internal/llm"
)

// anthropicAPIKey returns the configured key, falling back to ANTHROPIC_API_KEY.
func anthropicAPIKey() string {
	if key := viper.GetString("anthropic.api_key"); key != "" {
		return key
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

// newOracle creates the reasoning oracle from config/env.
func newOracle() (llm.Oracle, error) {
	apiKey := anthropicAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("no Anthropic API key: set anthropic.api_key, ASKDB_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY")
	}
	return llm.NewAnthropicOracle(apiKey, viper.GetString("anthropic.model"), viper.GetInt64("anthropic.max_tokens")), nil
}

// agentConfig reads the run bounds from config.
func agentConfig() agent.Config {
	return agent.Config{
		MaxIterations: viper.GetInt("agent.max_iterations"),
		Timeout:       viper.GetDuration("agent.timeout"),
		RowLimit:      viper.GetInt("agent.row_limit"),
		OracleRetries: viper.GetInt("agent.oracle_retries"),
	}
}

// newOrchestrator wires the oracle into an orchestrator.
func newOrchestrator() (*agent.Orchestrator, error) {
	oracle, err := newOracle()
	if err != nil {
		return nil, err
	}
	return agent.New(oracle, agentConfig(), logger), nil
}
