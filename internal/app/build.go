package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ent0n29/voicerag/internal/audio"
	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/dispatch"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/search"
	"github.com/ent0n29/voicerag/internal/tools"
	"github.com/ent0n29/voicerag/internal/transcript"
)

// BuildResult holds the components of one conversation that do not need the
// realtime session yet.
type BuildResult struct {
	Config         config.Config
	ConversationID string
	Metrics        *observability.Metrics
	Store          transcript.Store
	Tools          *tools.Executor
	Output         *audio.OutputFile
	Logger         *log.Logger

	// Cleanup releases the store and flushes the output audio file.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, progress io.Writer) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	logger := log.New(progress, "", 0)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	searcher := search.NewClient(cfg.SearchEndpoint, cfg.SearchAPIKey, cfg.SearchIndex, cfg.SearchAPIVersion, nil)
	executor := tools.NewExecutor(searcher, cfg.SearchMaxResults, logger)

	output, err := audio.CreateOutput(cfg.OutputAudioPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cleanup := func() error {
		var errs []string
		if err := output.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:         cfg,
		ConversationID: uuid.NewString(),
		Metrics:        metrics,
		Store:          store,
		Tools:          executor,
		Output:         output,
		Logger:         logger,
		Cleanup:        cleanup,
	}, nil
}

// DispatchOptions returns the dispatcher options wired to the built components.
func (b *BuildResult) DispatchOptions(transcriptOut, diagnostics io.Writer) dispatch.Options {
	return dispatch.Options{
		Audio:           b.Output,
		Transcript:      transcriptOut,
		Diagnostics:     diagnostics,
		Logger:          b.Logger,
		ToolErrorPolicy: dispatch.ToolErrorPolicy(b.Config.ToolErrorPolicy),
		Metrics:         b.Metrics,
		Store:           b.Store,
		ConversationID:  b.ConversationID,
	}
}
