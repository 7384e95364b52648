package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/docker/docker/client"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/oneee-playground/r2d2-agent/internal/artifact"
	conf "github.com/oneee-playground/r2d2-agent/internal/config"
	"github.com/oneee-playground/r2d2-agent/internal/control"
	"github.com/oneee-playground/r2d2-agent/internal/event"
	"github.com/oneee-playground/r2d2-agent/internal/host"
	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/oneee-playground/r2d2-agent/internal/metric"
	"github.com/oneee-playground/r2d2-agent/internal/server"
	"github.com/oneee-playground/r2d2-agent/internal/workspace"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const (
	sampleInterval   = 5 * time.Second
	watchdogInterval = time.Minute
)

func main() {
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stdout), zap.DebugLevel,
	))

	if path := os.Getenv("AGENT_CONFIG"); path != "" {
		if err := conf.LoadFromFile(path); err != nil {
			logger.Fatal("failed to load config file", zap.Error(err))
		}
	}
	if err := conf.LoadFromEnv(); err != nil {
		logger.Fatal("failed to load config from env", zap.Error(err))
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Fatal("failed to initialize docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	ws, err := workspace.NewFSWorkspace(conf.WorkspacePath)
	if err != nil {
		logger.Fatal("failed to initialize workspace", zap.Error(err))
	}

	repository := job.NewMemoryRepository(conf.LogCapacity)

	transfer := artifact.New(artifact.Opts{
		Log:        logger.Named("artifact"),
		Staging:    ws,
		Containers: &artifact.DockerSource{Docker: dockerClient},
	})

	var publisher event.Publisher = event.NopPublisher{}
	if conf.EventQueueURL != "" {
		awsConfig := aws.Config{
			Region:      conf.AWSRegion,
			Credentials: credentials.NewStaticCredentialsProvider(conf.AccessKeyID, conf.SecretAccessKey, ""),
		}
		publisher = event.NewSQSEventPublisher(sqs.NewFromConfig(awsConfig), logger.Named("event"), conf.EventQueueURL)
	}

	var exporter metric.Exporter = metric.NopExporter{}
	if conf.InfluxURL != "" {
		influxClient := influxdb2.NewClientWithOptions(conf.InfluxURL, conf.InfluxToken, influxdb2.DefaultOptions())
		defer influxClient.Close()

		storage := metric.NewStorage(influxClient, logger.Named("influx"), conf.InfluxOrg, conf.InfluxBucket)
		defer storage.Close()
		exporter = storage
	}

	info := host.Probe(host.Overrides{Hardware: conf.Hardware, HardwareVersion: conf.HardwareVersion})
	logger.Info("probed host",
		zap.String("hardware", info.Hardware),
		zap.String("hardwareVersion", info.HardwareVersion),
		zap.String("os", info.OperatingSystem),
	)

	controller := control.New(control.Opts{
		Log:              logger.Named("control"),
		Repository:       repository,
		Transfer:         transfer,
		Workspace:        ws,
		Events:           publisher,
		Exporter:         exporter,
		Metrics:          metric.NewRecorder(prometheus.DefaultRegisterer),
		HTTPClient:       &http.Client{Timeout: 30 * time.Second},
		Host:             info,
		MinDriverVersion: conf.MinDriverVersion,
	})

	srv := server.New(server.Opts{
		Log:            logger.Named("server"),
		Controller:     controller,
		Gatherer:       prometheus.DefaultGatherer,
		Addr:           conf.ListenAddr,
		MaxUploadBytes: conf.MaxUploadBytes,
	})

	sampler := &control.Sampler{
		Log:        logger.Named("sampler"),
		Repository: repository,
		Collector:  &metric.Collector{Source: &metric.DockerStats{Docker: dockerClient}},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return ignoreCanceled(sampler.Run(ctx, sampleInterval)) })
	g.Go(func() error { return watchStale(ctx, logger, controller) })

	if err := g.Wait(); err != nil {
		logger.Fatal("serve failed", zap.Error(err))
	}
}

// watchStale reports active jobs whose driver went silent.
func watchStale(ctx context.Context, logger *zap.Logger, controller *control.Controller) error {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, j := range controller.Stale(conf.StaleAfter) {
			logger.Warn("driver went silent",
				zap.Int("jobID", j.ID),
				zap.Stringer("state", j.State),
				zap.Time("lastCommunication", j.LastDriverCommunicationUTC),
			)
		}
	}
}

func ignoreCanceled(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
