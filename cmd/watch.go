package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TranVPhu/FaceRecognize/internal/api"
	"github.com/TranVPhu/FaceRecognize/internal/config"
	"github.com/TranVPhu/FaceRecognize/internal/emitter"
	"github.com/TranVPhu/FaceRecognize/internal/gate"
	"github.com/TranVPhu/FaceRecognize/internal/recognizer"
	"github.com/TranVPhu/FaceRecognize/internal/resolver"
	"github.com/TranVPhu/FaceRecognize/internal/stream"
	"github.com/TranVPhu/FaceRecognize/internal/types"
	"github.com/TranVPhu/FaceRecognize/internal/utils"
	"github.com/TranVPhu/FaceRecognize/internal/worker"
)

// WatchOptions holds the flags of the watch command. Zero values fall back
// to the configuration.
type WatchOptions struct {
	Inputs     []string
	SkipFrames int
	NumEngines int
	Tolerance  float64
	Listen     string
	MQTT       string
	Output     string
	NoProgress bool
}

var watchOpts WatchOptions

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Identify faces in one or more video streams",
	Long: "Reads every input at its native pace, samples frames by interval and motion, and prints one JSON line per recognized frame. " +
		"Files rewind and pause at the end; live inputs stop when the source ends.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateWatchFlags(&watchOpts); err != nil {
			utils.ShowError("Invalid arguments", err, nil)
			return err
		}
		return runWatch(cmd.Context(), Cfg, watchOpts)
	},
}

func init() {
	watchCmd.Flags().StringSliceVarP(&watchOpts.Inputs, "input", "i", nil, "Video file, device or stream URL (repeatable)")
	watchCmd.Flags().IntVarP(&watchOpts.SkipFrames, "skip", "n", 0, "Sample every nth frame (default from config)")
	watchCmd.Flags().IntVarP(&watchOpts.NumEngines, "engines", "e", 0, "Number of parallel engine workers (default from config)")
	watchCmd.Flags().Float64VarP(&watchOpts.Tolerance, "tolerance", "t", -1, "Match tolerance in [0,1], higher accepts more (default from config)")
	watchCmd.Flags().StringVar(&watchOpts.Listen, "listen", "", "Serve the control API on this address (e.g. :8080)")
	watchCmd.Flags().StringVar(&watchOpts.MQTT, "mqtt", "", "Publish results to this MQTT broker (host:port)")
	watchCmd.Flags().StringVarP(&watchOpts.Output, "output", "o", "-", "JSON lines destination, - for stdout")
	watchCmd.Flags().BoolVar(&watchOpts.NoProgress, "no-progress", false, "Disable progress bars")

	watchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(watchCmd)
}

// validateWatchFlags ensures all CLI arguments are valid before starting heavy processes.
func validateWatchFlags(opts *WatchOptions) error {
	if len(opts.Inputs) == 0 {
		return fmt.Errorf("at least one --input is required")
	}
	for _, in := range opts.Inputs {
		if utils.IsLive(in) {
			continue
		}
		info, err := os.Stat(in)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %s", in)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path is a directory, expected a video file: %s", in)
		}
	}
	if opts.SkipFrames < 0 {
		return fmt.Errorf("skip must be >= 1, got %d", opts.SkipFrames)
	}
	if opts.NumEngines < 0 {
		opts.NumEngines = 1
	}
	if opts.Tolerance > 1.0 {
		return fmt.Errorf("tolerance must be between 0.0 and 1.0, got %f", opts.Tolerance)
	}
	return nil
}

// applyWatchFlags lets explicit flags override the configuration.
func applyWatchFlags(cfg *config.Config, opts WatchOptions) {
	if opts.SkipFrames > 0 {
		cfg.Gate.SkipFrames = opts.SkipFrames
	}
	if opts.NumEngines > 0 {
		cfg.Recognition.Workers = opts.NumEngines
	}
	if opts.Tolerance >= 0 {
		cfg.Recognition.Tolerance = opts.Tolerance
	}
	if opts.Listen != "" {
		cfg.API.Listen = opts.Listen
	}
	if opts.MQTT != "" {
		cfg.MQTT.Broker = opts.MQTT
	}
	if opts.NoProgress {
		cfg.Stream.Progress = false
	}
}

// runWatch wires registry, index, engine pool, one session per input and
// the result sinks, then runs until every session ends or ctx is cancelled.
func runWatch(ctx context.Context, cfg *config.Config, opts WatchOptions) error {
	applyWatchFlags(cfg, opts)
	log := Log

	coord, idx, err := openCoordinator(ctx, cfg, DB, log)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}
	res, err := resolver.New(cfg.Recognition.Tolerance)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "👥 %d identities, %d indexed vectors\n", coord.Snapshot().Len(), idx.Len())
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", cfg.Recognition.Workers)

	var engines []*worker.PythonWorker
	factory := func(id int) (recognizer.Embedder, error) {
		w, err := worker.NewPythonWorker(id, workerOptions(cfg, log))
		if err != nil {
			return nil, err
		}
		engines = append(engines, w)
		return w, nil
	}
	pool, err := recognizer.New(recognizer.Options{
		Workers:      cfg.Recognition.Workers,
		QueueSize:    cfg.Recognition.QueueSize,
		ResizeFactor: cfg.Recognition.ResizeFactor,
		Logger:       log,
	}, factory, idx, res)
	if err != nil {
		utils.ShowError("Worker startup failed", err, lastCommand(engines))
		return err
	}

	sink, err := openSinks(ctx, cfg, opts.Output)
	if err != nil {
		pool.Close()
		utils.ShowError("Failed to open result sinks", err, nil)
		return err
	}

	var server *api.Server
	if cfg.API.Listen != "" {
		server = api.NewServer(cfg.API.Listen, coord, idx, log)
	}

	sessions := make([]*stream.Session, 0, len(opts.Inputs))
	for _, in := range opts.Inputs {
		s, err := openSession(ctx, cfg, in, pool, coord.Snapshot, sink)
		if err != nil {
			for _, open := range sessions {
				open.Stop()
			}
			pool.Close()
			sink.Close()
			utils.ShowError("Failed to open input "+in, err, nil)
			return err
		}
		sessions = append(sessions, s)
		if server != nil {
			server.AddStream(s)
		}
	}

	runErr := superviseSessions(ctx, sessions, server)

	for _, s := range sessions {
		s.Stop()
	}
	closeErr := pool.Close()
	sink.Close()

	printWatchSummary(sessions, pool.Stats())
	if runErr != nil {
		utils.ShowError("Stream failed", runErr, lastCommand(engines))
		return runErr
	}
	if closeErr != nil {
		log.Warn("engine shutdown reported errors", "error", closeErr)
	}
	return nil
}

// superviseSessions runs every session until it ends. A session that fails
// is reported and does not stop the others; only a failing control API
// cancels the rest.
func superviseSessions(ctx context.Context, sessions []*stream.Session, server *api.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	var (
		running sync.WaitGroup
		mu      sync.Mutex
		failed  []error
	)
	for _, s := range sessions {
		s := s
		running.Add(1)
		g.Go(func() error {
			defer running.Done()
			if err := s.Run(gctx); err != nil {
				fmt.Fprintf(os.Stderr, "❌ %s stopped: %v\n", s.Status().Input, err)
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if server != nil {
		// The API lives as long as at least one session does.
		ended := make(chan struct{})
		go func() {
			running.Wait()
			close(ended)
		}()
		g.Go(server.Start)
		go func() {
			select {
			case <-ended:
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}
	apiErr := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(append(failed, apiErr)...)
}

func lastCommand(engines []*worker.PythonWorker) *utils.SafeCommand {
	if len(engines) == 0 {
		return nil
	}
	return engines[len(engines)-1].Cmd
}

// openSinks builds the JSON lines writer plus the optional MQTT publisher.
func openSinks(ctx context.Context, cfg *config.Config, output string) (emitter.Sink, error) {
	var w io.Writer = os.Stdout
	if output != "" && output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return nil, err
		}
		w = f
	}
	sinks := []emitter.Sink{emitter.NewJSONLines(w)}

	if cfg.MQTT.Broker != "" {
		m := emitter.NewMQTT(emitter.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Logger:   Log,
		})
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.Connect(connectCtx); err != nil {
			// The client keeps retrying in the background.
			fmt.Fprintf(os.Stderr, "⚠️  MQTT not reachable yet: %v\n", err)
		}
		sinks = append(sinks, m)
	}
	return emitter.NewMulti(Log, sinks...), nil
}

// openSession binds one input to its own gate. Results flow to sink.
func openSession(ctx context.Context, cfg *config.Config, input string, pool gate.Submitter, records func() *types.Snapshot, sink emitter.Sink) (*stream.Session, error) {
	src, err := stream.OpenFFmpeg(ctx, input, stream.FFmpegOptions{RotatePortrait: cfg.Stream.RotatePortrait, Logger: Log})
	if err != nil {
		return nil, err
	}
	id := stream.NewID()
	deliver := func(frame *types.Frame, results []types.RecognitionResult) {
		if len(results) == 0 {
			return
		}
		sink.Emit(context.Background(), emitter.Event{
			Session:   id,
			Input:     input,
			Frame:     frame.Index,
			Timestamp: time.Now().UTC(),
			Results:   results,
		})
	}
	g := gate.New(gate.Options{
		SkipFrames:      cfg.Gate.SkipFrames,
		MotionThreshold: cfg.Gate.MotionThreshold,
		MotionSize:      cfg.Gate.MotionSize,
		SeekDebounce:    cfg.Gate.SeekDebounce,
		Logger:          Log,
	}, pool, records, deliver)

	return stream.NewSession(src, g, stream.Options{
		ID:        id,
		Input:     input,
		Yield:     cfg.Stream.Yield,
		PausePoll: cfg.Stream.PausePoll,
		Progress:  cfg.Stream.Progress,
		Logger:    Log,
	}), nil
}

func printWatchSummary(sessions []*stream.Session, ps recognizer.Stats) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 WATCH SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	for _, s := range sessions {
		st := s.Status()
		pos := fmt.Sprintf("frame %d", st.Position)
		if st.FPS > 0 {
			pos += " (" + fmtTime(float64(st.Position)/st.FPS) + ")"
		}
		fmt.Fprintf(os.Stderr, "\n🎞️  %s  [%s]\n", st.Input, shortID(st.ID))
		fmt.Fprintf(os.Stderr, "   Stopped at:  %s\n", pos)
		fmt.Fprintf(os.Stderr, "   Offered: %d  Sampled: %d  Submitted: %d  Busy: %d\n",
			st.Gate.Offered, st.Gate.Sampled, st.Gate.Submitted, st.Gate.Busy)
	}
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🧠 Recognitions: %d completed, %d failed, %d rejected\n", ps.Completed, ps.Failed, ps.Rejected)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
