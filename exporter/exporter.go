/*
Copyright 2024 The Alibaba Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package exporter serves the shared metrics store to Prometheus. It
// scrapes the store on demand, reassembles histogram series, annotates
// query series with their stored text, and carries the administrative
// HTTP surface plus the query eviction worker.
package exporter

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	restful "github.com/emicklei/go-restful"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	glog "k8s.io/klog"

	"github.com/alibaba/shmetrics/pkg/metrics"
	"github.com/alibaba/shmetrics/pkg/querytrack"
)

var opts struct {
	port        string
	metricsPath string
	withQueries bool
	runCleaner  bool
	storeConfig *metrics.Config
	queryConfig *querytrack.Config
}

func init() {
	opts.storeConfig = metrics.NewConfig()
	opts.queryConfig = querytrack.NewConfig()
}

// InitFlags is for explicitly initializing the flags.
func InitFlags(flagset *pflag.FlagSet) {
	flagset.StringVar(&opts.port, "port", "9187", "Service listen port.")
	flagset.StringVar(&opts.metricsPath, "metrics-path", "/metrics", "Prometheus scrape path.")
	flagset.BoolVar(&opts.withQueries, "with-queries", true, "Annotate query series with stored query texts.")
	flagset.BoolVar(&opts.runCleaner, "run-cleaner", true, "Run the query eviction worker in this process.")
	opts.storeConfig.InitFlags(flagset)
	opts.queryConfig.InitFlags(flagset)
}

// accessWriter adapts the structured logger to gorilla's access log
// writer.
type accessWriter struct {
	logger *zap.Logger
}

func (w accessWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Run starts the exporter and blocks until a termination signal.
func Run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := metrics.NewStore(opts.storeConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	var texts *querytrack.TextStore
	if opts.withQueries {
		texts, err = querytrack.NewTextStore(store)
		if err != nil {
			return err
		}
	}

	stopCh := make(chan struct{})
	defer close(stopCh)
	if opts.runCleaner {
		cleaner := querytrack.NewCleaner(opts.queryConfig, store, texts)
		go cleaner.Run(stopCh)
	}

	server := startHTTPServer(opts.port, store, texts, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	glog.Info("Shutdown server")
	return server.Shutdown(context.Background())
}

func startHTTPServer(port string, store *metrics.Store, texts *querytrack.TextStore, logger *zap.Logger) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(store, texts))
	// the default gatherer carries the exporter's own process metrics
	// and the arena accounting gauge
	gatherers := prometheus.Gatherers{registry, prometheus.DefaultGatherer}

	wsContainer := restful.NewContainer()
	wsContainer.DoNotRecover(false)
	admin := &adminHandler{store: store, texts: texts}
	wsContainer.Add(admin.WebService())

	access := accessWriter{logger: logger.Named("access")}
	mux := http.NewServeMux()
	mux.Handle(opts.metricsPath, handlers.LoggingHandler(access,
		promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})))
	mux.Handle("/admin/", handlers.LoggingHandler(access, handlers.CompressHandler(wsContainer)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if !strings.Contains(port, ":") {
		port = ":" + port
	}
	server := &http.Server{Addr: port, Handler: mux}
	go func() {
		glog.Infof("Start listen %s", port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			panic("Listen error: " + err.Error())
		}
	}()
	return server
}
