package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerag/internal/app"
	"github.com/ent0n29/voicerag/internal/config"
)

var (
	envFile         string
	inputPath       string
	outputPath      string
	turnDetection   string
	toolErrorPolicy string
	verbose         bool
)

var rootCmd = &cobra.Command{
	Use:   "voicerag",
	Short: "Ask a spoken question answered from an Azure AI Search index",
	Long: `voicerag sends a recorded question to an Azure OpenAI realtime deployment.
The model looks up products through the 'search' tool, backed by Azure AI Search,
and the spoken answer is written to the output audio file.

Settings are read from the environment and an optional .env file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, &cfg); err != nil {
			return err
		}
		if verbose {
			log.Printf("realtime deployment %s at %s, search index %s at %s",
				cfg.OpenAIDeployment, cfg.OpenAIEndpoint, cfg.SearchIndex, cfg.SearchEndpoint)
			log.Printf("input %s, output %s, turn detection %s, tool errors %s",
				cfg.InputAudioPath, cfg.OutputAudioPath, cfg.TurnDetection, cfg.ToolErrorPolicy)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, err := app.Run(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if verbose {
			log.Printf("conversation %s finished: turns=%d tool_calls=%d audio_bytes=%d",
				res.ConversationID, res.Turns, res.ToolCalls, res.AudioBytes)
			for _, r := range res.Transcript {
				log.Printf("[%s] %s", r.Role, r.Content)
			}
		}
		return nil
	},
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.InputAudioPath = strings.TrimSpace(inputPath)
	}
	if flags.Changed("output") {
		cfg.OutputAudioPath = strings.TrimSpace(outputPath)
	}
	if flags.Changed("turn-detection") {
		cfg.TurnDetection = strings.ToLower(strings.TrimSpace(turnDetection))
	}
	if flags.Changed("tool-error-policy") {
		cfg.ToolErrorPolicy = strings.ToLower(strings.TrimSpace(toolErrorPolicy))
	}
	return cfg.Validate()
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file; existing environment variables win")
	rootCmd.Flags().StringVarP(&inputPath, "input", "i", "", "Question audio (raw PCM16 24kHz mono, or .wav)")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Answer audio destination (.wav gets a WAV header)")
	rootCmd.Flags().StringVar(&turnDetection, "turn-detection", "", "server_vad, semantic_vad or none")
	rootCmd.Flags().StringVar(&toolErrorPolicy, "tool-error-policy", "", "fail or continue")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log resolved settings and a run summary")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
