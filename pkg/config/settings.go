package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Store         StoreSettings    `mapstructure:"store"`
	Queue         QueueSettings    `mapstructure:"queue"`
	Delivery      DeliverySettings `mapstructure:"delivery"`
	Worker        WorkerSettings   `mapstructure:"worker"`
	Monitor       MonitorSettings  `mapstructure:"monitor"`
	Observability Observability    `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("eventbus")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "eventbus."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging dev config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("EVENTBUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like EVENTBUS_STORE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("store.type")
	viper.BindEnv("store.dsn")
	viper.BindEnv("store.uri")
	viper.BindEnv("store.database")
	viper.BindEnv("store.collection")
	viper.BindEnv("queue.type")
	viper.BindEnv("queue.url")
	viper.BindEnv("queue.projectID")
	viper.BindEnv("queue.topic")
	viper.BindEnv("queue.subscription")
	viper.BindEnv("queue.dead_letter_topic")
	viper.BindEnv("queue.max_receive_count")
	viper.BindEnv("queue.initial_backoff")
	viper.BindEnv("queue.max_backoff")
	viper.BindEnv("delivery.target_url")
	viper.BindEnv("delivery.connect_timeout")
	viper.BindEnv("delivery.request_timeout")
	viper.BindEnv("worker.batch_size")
	viper.BindEnv("worker.poll_wait")
	viper.BindEnv("worker.concurrency")
	viper.BindEnv("monitor.observation_window")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// WorkerSettings controls the retry worker's drain loop.
type WorkerSettings struct {
	BatchSize   int           `mapstructure:"batch_size"`
	PollWait    time.Duration `mapstructure:"poll_wait"`
	Concurrency int           `mapstructure:"concurrency"`
}

// MonitorSettings controls the dead-letter monitor.
type MonitorSettings struct {
	ObservationWindow time.Duration `mapstructure:"observation_window"`
}
