package common

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// LoadConfig reads the default config file and merges an optional
// user-specified override on top, then unmarshals into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfig string) {
	viper.SetConfigName("config")
	viper.AddConfigPath(defaultPath)
	if err := viper.ReadInConfig(); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	if overrideConfig != "" {
		viper.SetConfigFile(overrideConfig)
		if err := viper.MergeInConfig(); err != nil {
			log.Error(err)
			os.Exit(-1)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// ServeMetrics exposes the prometheus registry on the given port and returns
// a function shutting the listener down.
func ServeMetrics(port uint16) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failure")
		}
	}()
	return func() {
		if err := server.Close(); err != nil {
			log.WithError(err).Error("failed to shut down metrics server")
		}
	}
}
