package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hanchat",
		Short:         "Chinese conversation practice with graded, pinyin-annotated replies",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	// 敏感信息（API Key）只走环境变量：OPENAI_API_KEY / OPENROUTER_API_KEY / ANTHROPIC_API_KEY / LLM_API_KEY。
	root.PersistentFlags().StringP("config", "c", "", "config file path (YAML)")

	root.AddCommand(newServeCmd(), newScenesCmd(), newChatCmd())
	return root
}
