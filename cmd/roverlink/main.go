// The roverlink command connects the link layer to a real rover: it keeps
// the broker session alive, polls status, relays typed control commands and
// supervises the video feed. Configuration comes from a YAML file; see
// config.go for the schema.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/openteleop/roverlink/link"
	"github.com/openteleop/roverlink/state"
	"github.com/openteleop/roverlink/transport"
	"github.com/openteleop/roverlink/video"
	"github.com/openteleop/roverlink/video/mjpeg"
	"github.com/openteleop/roverlink/vision"
)

func main() {
	configPath := flag.String("config", "roverlink.yaml", "path to the config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	var logger golog.Logger
	if *debug {
		logger = golog.NewDebugLogger("roverlink")
	} else {
		logger = golog.NewDevelopmentLogger("roverlink")
	}

	if err := realMain(*configPath, logger); err != nil {
		logger.Fatal(err)
	}
}

func realMain(configPath string, logger golog.Logger) (err error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	robot := state.NewRobot()
	robot.AddListener(func(snap state.Snapshot) {
		logger.Debugw("state changed",
			"running", snap.Running,
			"battery", snap.BatteryVoltage,
			"video_available", snap.VideoAvailable,
			"video_stalled", snap.VideoStalled,
		)
	})

	dialer, err := transport.NewMQTTDialer(cfg.mqttConfig(), logger.Named("mqtt"))
	if err != nil {
		return err
	}
	conn, err := link.NewConnectionManager(dialer, cfg.connectionConfig(), logger.Named("connection"))
	if err != nil {
		return err
	}
	poller, err := link.NewStatusPoller(conn, robot, cfg.pollerConfig(), logger.Named("status"))
	if err != nil {
		return err
	}
	conn.SetMessageHandler(poller.HandleMessage)
	control, err := link.NewControlPublisher(conn, cfg.controlConfig(), logger.Named("control"))
	if err != nil {
		return err
	}

	// the stream feeds frames to the monitor; the monitor asks the stream to
	// reconnect. The monitor is assigned before Start, so the callback can
	// close over it.
	var monitor *video.LivenessMonitor
	stream, err := mjpeg.NewStream(cfg.streamConfig(), func(image.Image) {
		monitor.OnFrameReceived()
	}, logger.Named("stream"))
	if err != nil {
		return err
	}
	monitor, err = video.NewLivenessMonitor(robot, stream, cfg.monitorConfig(), logger.Named("video"))
	if err != nil {
		return err
	}

	var visionClient *vision.Client
	if cfg.Vision.Endpoint != "" {
		visionClient, err = vision.New(cfg.visionConfig(), logger.Named("vision"))
		if err != nil {
			return err
		}
	}

	conn.Start()
	poller.Start()
	stream.Start()
	monitor.Start()
	defer func() {
		err = multierr.Combine(err,
			monitor.Close(),
			stream.Close(),
			control.Close(),
			poller.Close(),
			conn.Close(),
		)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	goutils.PanicCapturingGo(func() {
		readCommands(ctx, robot, control, stream, visionClient, logger)
	})

	logger.Infow("roverlink up", "broker", cfg.Broker.Address, "video", cfg.Video.URL)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// readCommands drives the control publisher from stdin, one command per
// line: "drive <speed> <turn>", "pan <pan> <tilt>", "pos <target>",
// "ask <prompt>", "status".
func readCommands(
	ctx context.Context,
	robot *state.Robot,
	control *link.ControlPublisher,
	stream *mjpeg.Stream,
	visionClient *vision.Client,
	logger golog.Logger,
) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "drive":
			speed, turn, err := twoFloats(fields[1:])
			if err != nil {
				logger.Warnw("bad drive command", "error", err)
				continue
			}
			control.PublishDrive(speed, turn)
		case "pan":
			pan, tilt, err := twoFloats(fields[1:])
			if err != nil {
				logger.Warnw("bad pan command", "error", err)
				continue
			}
			control.PublishPanTilt(pan, tilt)
		case "pos":
			if len(fields) != 2 {
				logger.Warn("usage: pos <target>")
				continue
			}
			target, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				logger.Warnw("bad position", "error", err)
				continue
			}
			robot.SetTargetPosition(float64(target))
			control.PublishPosition(target)
		case "ask":
			if visionClient == nil {
				logger.Warn("no vision endpoint configured")
				continue
			}
			answer, err := visionClient.Describe(ctx, stream.Latest(), strings.Join(fields[1:], " "))
			if err != nil {
				logger.Warnw("vision request failed", "error", err)
				continue
			}
			fmt.Println(answer)
		case "status":
			snap := robot.Snapshot()
			fmt.Printf("running=%t battery=%.2fV pos=%.1f dist=%.1f video=%t stalled=%t\n",
				snap.Running, snap.BatteryVoltage, snap.Position, snap.Distance,
				snap.VideoAvailable, snap.VideoStalled)
		default:
			logger.Warnw("unknown command", "command", fields[0])
		}
	}
}

func twoFloats(fields []string) (float64, float64, error) {
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected two values, got %d", len(fields))
	}
	a, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
