package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/ent0n29/voicerag/internal/audio"
	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/dispatch"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/realtime"
	"github.com/ent0n29/voicerag/internal/transcript"
)

const transcriptLimit = 50

// Summary describes a finished conversation.
type Summary struct {
	dispatch.Result
	ConversationID string

	// Transcript holds the stored assistant turns and tool calls in order.
	Transcript []transcript.Record
}

// Run sends the question audio to the realtime deployment, answers its tool
// calls from the search index and writes the spoken answer to the output file.
// Transcript text and progress lines go to stdout, session errors to stderr.
func Run(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) (Summary, error) {
	if err := cfg.CheckInputAudio(); err != nil {
		return Summary{}, err
	}
	pcm, rate, err := audio.LoadPCM(cfg.InputAudioPath)
	if err != nil {
		return Summary{}, err
	}
	if rate != audio.SampleRate {
		log.Printf("input audio is %d Hz, the realtime session expects %d Hz", rate, audio.SampleRate)
	}

	if cfg.ConversationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConversationTimeout)
		defer cancel()
	}

	built, err := Build(ctx, cfg, stdout)
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(context.Background())
		defer stopMetrics()
		go func() {
			if err := observability.Serve(metricsCtx, cfg.MetricsAddr, 5*time.Second); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	session, err := realtime.Dial(ctx, realtime.Config{
		Endpoint:   cfg.OpenAIEndpoint,
		APIKey:     cfg.OpenAIAPIKey,
		Deployment: cfg.OpenAIDeployment,
		APIVersion: cfg.OpenAIAPIVersion,
	})
	if err != nil {
		return Summary{}, err
	}
	defer session.Close()
	built.Metrics.ActiveConversations.Inc()
	defer built.Metrics.ActiveConversations.Dec()

	if err := session.Configure(ctx, realtime.SessionOptions{
		Instructions:       cfg.Instructions,
		Voice:              cfg.Voice,
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		Temperature:        cfg.Temperature,
		TurnDetection:      cfg.TurnDetection,
		TranscriptionModel: "whisper-1",
		Tools:              built.Tools.Definitions(),
	}); err != nil {
		return Summary{}, fmt.Errorf("configure session: %w", err)
	}

	if _, err := session.SendAudio(ctx, bytes.NewReader(pcm)); err != nil {
		return Summary{}, fmt.Errorf("send input audio: %w", err)
	}
	if cfg.TurnDetection == "none" {
		if err := session.CommitAudio(ctx); err != nil {
			return Summary{}, fmt.Errorf("commit input audio: %w", err)
		}
		if err := session.StartResponse(ctx); err != nil {
			return Summary{}, fmt.Errorf("start response: %w", err)
		}
	}

	d := dispatch.New(session, built.Tools, built.DispatchOptions(stdout, stderr))
	res, err := d.Run(ctx)
	summary := Summary{Result: res, ConversationID: built.ConversationID}
	if err != nil {
		return summary, err
	}
	fmt.Fprintln(stdout)

	records, err := built.Store.Recent(ctx, built.ConversationID, transcriptLimit)
	if err != nil {
		log.Printf("transcript read failed: %v", err)
	}
	summary.Transcript = records
	return summary, nil
}
