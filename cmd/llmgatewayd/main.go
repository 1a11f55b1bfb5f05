// Command llmgatewayd wires configuration, logging, metrics, and the
// scheduler's two collaborators together and runs until asked to stop. It
// does not speak the OpenAI HTTP/SSE surface itself; that is left to a
// front end built on top of pkg/gateway.
package main

import (
	"context"
	"math"
	"net/http"
	"os"
	"syscall"
	"time"

	"os/signal"

	"github.com/llmgateway/scheduler/pkg/config"
	"github.com/llmgateway/scheduler/pkg/containerhost"
	"github.com/llmgateway/scheduler/pkg/gateway"
	"github.com/llmgateway/scheduler/pkg/logging"
	"github.com/llmgateway/scheduler/pkg/memory"
	"github.com/llmgateway/scheduler/pkg/metrics"
	"github.com/llmgateway/scheduler/pkg/scheduler"
	"github.com/llmgateway/scheduler/pkg/vramprobe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := logrus.New()
	logger := logging.NewLogrusAdapter(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := os.Getenv("LLMGATEWAY_CONFIG")
	if configPath == "" {
		configPath = "/etc/llmgateway/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("loading configuration: %v", err)
	}

	host, err := containerhost.New(logger.WithField("component", "containerhost"), cfg.Docker.Image, cfg.Docker.VolumeMount, cfg.Docker.NetworkName)
	if err != nil {
		logger.Fatalf("connecting to docker daemon: %v", err)
	}

	probe := vramprobe.New(logger.WithField("component", "vramprobe"))

	registry := prometheus.NewRegistry()
	schedMetrics := metrics.New(registry)

	estimates := estimateModels(logger, cfg.Models)

	sched := scheduler.NewScheduler(logger.WithField("component", "scheduler"), host, probe, schedMetrics, cfg.Models, estimates)
	facade := gateway.New(sched)
	logger.Infof("gateway ready with %d configured models, awaiting a front end to call AcquireBackend through %T", len(cfg.Models), facade)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := os.Getenv("LLMGATEWAY_LISTEN_ADDR")
	if addr == "" {
		addr = ":9090"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	workers, workerCtx := errgroup.WithContext(ctx)

	workers.Go(func() error {
		logger.Infof("metrics and health server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	workers.Go(func() error {
		<-workerCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	<-ctx.Done()
	logger.Infoln("shutdown signal received")

	if err := workers.Wait(); err != nil {
		logger.Errorf("error during shutdown: %v", err)
	}
	logger.Infoln("llmgatewayd stopped")
}

// estimateModels parses every configured model's weight file and runs the
// memory estimator, mapping any InvalidFormat failure onto an estimate that
// can never pass admission rather than aborting startup. A draft model (used
// for speculative decoding) is estimated separately against the same context
// length and KV quantization as its parent, then summed into the parent's
// estimatedMemoryMB: the draft has no lifecycle of its own, since it is
// loaded by the same backend process as the parent.
func estimateModels(log logging.Logger, models []config.ModelDescriptor) map[string]uint64 {
	est := memory.NewEstimator()
	estimates := make(map[string]uint64, len(models))

	for _, m := range models {
		total := estimateOne(log, est, m.Name, m.WeightFilePath, m.Params.Context, m.Params.KVQuant)

		if m.Draft != nil && total != math.MaxUint64 {
			draftMB := estimateOne(log, est, m.Name+" (draft)", m.Draft.WeightFilePath, m.Params.Context, m.Params.KVQuant)
			if draftMB == math.MaxUint64 {
				total = math.MaxUint64
			} else {
				total += draftMB
			}
		}

		estimates[m.Name] = total
	}

	return estimates
}

func estimateOne(log logging.Logger, est *memory.Estimator, label, path string, contextSize config.ContextSize, kvQuant memory.KVQuant) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		log.Warnf("model %q: could not stat weight file %q, model will never be admitted: %v", label, path, err)
		return math.MaxUint64
	}
	return scheduler.EstimateFromFile(log, est, path, uint64(info.Size()), uint64(contextSize), kvQuant)
}
