package main

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mindwell-ai/voicecall-go/pkg/capture"
	"github.com/mindwell-ai/voicecall-go/pkg/playback"
	"github.com/mindwell-ai/voicecall-go/pkg/session"
	"github.com/mindwell-ai/voicecall-go/pkg/transport"
	"github.com/mindwell-ai/voicecall-go/pkg/vad"
	"github.com/mindwell-ai/voicecall-go/pkg/version"
)

// playbackRate is the output stream rate for agent speech. The server's
// TTS audio is negotiated at this rate out of band.
const playbackRate = 24000

var rootCmd = &cobra.Command{
	Use:   "voicecall",
	Short: "MindWell voicecall - terminal client for AI psychologist voice sessions",
	Long: `voicecall runs a live voice therapy session from the terminal: it
streams your microphone to the MindWell agent, plays the agent's spoken
replies, and handles turn-taking, barge-in and silence prompts.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Start a voice session with an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiURL, _ := cmd.Flags().GetString("api-url")
		agentID, _ := cmd.Flags().GetString("agent")
		lang, _ := cmd.Flags().GetString("lang")
		token, _ := cmd.Flags().GetString("token")
		consent, _ := cmd.Flags().GetBool("consent-store")
		envFile, _ := cmd.Flags().GetString("env")
		metrics, _ := cmd.Flags().GetBool("metrics")

		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("loading env file: %w", err)
			}
		} else {
			// Optional developer convenience; a missing .env is fine.
			_ = godotenv.Load()
		}
		if token == "" {
			token = os.Getenv("MINDWELL_API_TOKEN")
		}
		if apiURL == "" {
			apiURL = os.Getenv("MINDWELL_API_URL")
		}

		logger := setupLogger()
		logger.Info("Starting voice session",
			slog.String("service", "voicecall"),
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("agent", agentID),
			slog.String("lang", lang))

		if apiURL == "" {
			return fmt.Errorf("--api-url or MINDWELL_API_URL is required")
		}
		if token == "" {
			return fmt.Errorf("--token or MINDWELL_API_TOKEN is required")
		}
		if agentID == "" {
			return fmt.Errorf("--agent is required")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if metrics {
			go func() {
				logger.Info("Starting metrics server on :8080")
				mux := http.NewServeMux()
				mux.Handle("/metrics", expvar.Handler())
				if err := http.ListenAndServe(":8080", mux); err != nil {
					logger.Error("Metrics server failed", slog.String("error", err.Error()))
				}
			}()
		}

		return runCall(ctx, callOptions{
			apiURL:  apiURL,
			token:   token,
			agentID: agentID,
			lang:    lang,
			consent: consent,
		}, logger)
	},
}

type callOptions struct {
	apiURL  string
	token   string
	agentID string
	lang    string
	consent bool
}

func runCall(ctx context.Context, opts callOptions, logger *slog.Logger) error {
	bootstrap := transport.NewBootstrap(opts.apiURL, opts.token, logger)
	info, err := bootstrap.StartSession(ctx, opts.agentID, opts.lang, opts.consent)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	logger.Info("Session created",
		slog.String("session_id", info.SessionID),
		slog.String("agent_name", info.Agent.Name))
	defer func() {
		if err := bootstrap.EndSession(context.Background(), info.SessionID); err != nil {
			logger.Warn("End-session call failed", slog.String("error", err.Error()))
		}
	}()

	conn := transport.New(logger)

	var ctrl *session.Controller
	err = capture.UsingPortAudio(func() error {
		mic := capture.NewPortAudioRecorder(capture.DefaultRecorderConfig(), logger)

		clock := playback.NewMonotonicClock()
		sink, err := playback.NewPortAudioSink(clock, playbackRate, logger)
		if err != nil {
			return fmt.Errorf("opening speaker: %w", err)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("Speaker close failed", slog.String("error", err.Error()))
			}
		}()

		scheduler := playback.NewScheduler(clock, sink, logger)
		detector := vad.New(vad.DefaultConfig(), logger)

		ctrl, err = session.New(session.Config{
			Transport: conn,
			Player:    scheduler,
			Mic:       mic,
			VAD:       detector,
			Connect: func(ctx context.Context) error {
				return conn.Connect(ctx, info.WSURL, transport.Init{
					Token:   info.WSToken,
					AgentID: opts.agentID,
					Lang:    opts.lang,
				})
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}

		expvar.Publish("session_state_transitions", ctrl.Metrics().StateTransitions)
		return ctrl.Run(ctx)
	})

	if ctrl != nil {
		for _, entry := range ctrl.Transcript() {
			fmt.Printf("%s: %s\n", entry.Role, entry.Text)
		}
	}
	return err
}

func setupLogger() *slog.Logger {
	logFormat := os.Getenv("VOICECALL_LOG_FORMAT")
	logLevel := os.Getenv("VOICECALL_LOG_LEVEL")

	var handler slog.Handler
	opts := &slog.HandlerOptions{}

	switch logLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if logFormat == "console" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func init() {
	callCmd.Flags().String("api-url", "", "MindWell API base URL (or MINDWELL_API_URL)")
	callCmd.Flags().String("agent", "", "Agent ID to talk to")
	callCmd.Flags().String("lang", "en", "Session language")
	callCmd.Flags().String("token", "", "API auth token (or MINDWELL_API_TOKEN)")
	callCmd.Flags().Bool("consent-store", false, "Consent to storing the conversation")
	callCmd.Flags().String("env", "", "Path to an env file to load")
	callCmd.Flags().Bool("metrics", false, "Expose expvar metrics on :8080")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(callCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
