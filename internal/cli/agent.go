package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/models"
)

var (
	agentName         string
	agentProvider     string
	agentModel        string
	agentLanguage     string
	agentSystemPrompt string
)

var agentCmd = &cobra.Command{
	Use:     "agent",
	Aliases: []string{"agents"},
	Short:   "Manage agent configs (LLM provider, model and language)",
}

var agentAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an agent config",
	Long: `Add an agent config. Provider and model default to the configured LLM.

Examples:
  atomgraph agent add --name default
  atomgraph agent add --name german --provider anthropic --model claude-sonnet-4-5 --language de`,
	Args: cobra.NoArgs,
	RunE: runAgentAdd,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent configs",
	Args:  cobra.NoArgs,
	RunE:  runAgentList,
}

func init() {
	agentAddCmd.Flags().StringVar(&agentName, "name", "", "agent name (required)")
	agentAddCmd.Flags().StringVar(&agentProvider, "provider", "", "ollama, openai, anthropic or bedrock")
	agentAddCmd.Flags().StringVar(&agentModel, "model", "", "model name")
	agentAddCmd.Flags().StringVar(&agentLanguage, "language", "", "ISO 639-1 output language (empty = configured default)")
	agentAddCmd.Flags().StringVar(&agentSystemPrompt, "system-prompt", "", "extra system prompt")
	_ = agentAddCmd.MarkFlagRequired("name")

	agentCmd.AddCommand(agentAddCmd)
	agentCmd.AddCommand(agentListCmd)
}

func runAgentAdd(cmd *cobra.Command, args []string) error {
	provider := agentProvider
	if provider == "" {
		provider = cfg.LLMProvider
	}
	switch provider {
	case config.ProviderOllama, config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderBedrock:
	default:
		return fmt.Errorf("unsupported provider %q", provider)
	}
	model := agentModel
	if model == "" {
		model = cfg.LLMModel
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	agent := models.AgentConfig{
		Name:     agentName,
		Provider: provider,
		Model:    model,
		Language: agentLanguage,
	}
	if agentSystemPrompt != "" {
		agent.SystemPrompt = &agentSystemPrompt
	}
	created, err := application.DB.CreateAgentConfig(ctx, agent)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(created)
	}
	fmt.Printf("Agent %s created (%s/%s)\n", created.Name, created.Provider, created.Model)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	agents, err := application.DB.ListAgentConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if jsonOutput {
		return printJSON(agents)
	}
	if len(agents) == 0 {
		fmt.Println("No agent configs. Add one with 'atomgraph agent add --name default'.")
		return nil
	}
	for _, a := range agents {
		lang := a.Language
		if lang == "" {
			lang = "default"
		}
		fmt.Printf("- %s (%s) %s/%s, language %s\n", a.Name, a.Key(), a.Provider, a.Model, lang)
	}
	return nil
}
