package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadFromEnv overrides the defaults with every variable that is set.
func LoadFromEnv() error {
	setString(&ListenAddr, "LISTEN_ADDR")
	setString(&WorkspacePath, "WORKSPACE_PATH")

	setString(&Hardware, "HARDWARE")
	setString(&HardwareVersion, "HARDWARE_VERSION")

	setString(&InfluxURL, "INFLUX_URL")
	setString(&InfluxToken, "INFLUX_TOKEN")
	setString(&InfluxOrg, "INFLUX_ORG")
	setString(&InfluxBucket, "INFLUX_BUCKET")

	setString(&EventQueueURL, "EVENT_QUEUE_URL")
	setString(&AWSRegion, "AWS_REGION")
	setString(&AccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&SecretAccessKey, "AWS_SECRET_ACCESS_KEY")

	if err := setInt(&LogCapacity, "LOG_CAPACITY"); err != nil {
		return err
	}
	if err := setInt(&MinDriverVersion, "MIN_DRIVER_VERSION"); err != nil {
		return err
	}

	if v, ok := os.LookupEnv("MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "parsing MAX_UPLOAD_BYTES")
		}
		MaxUploadBytes = n
	}

	if v, ok := os.LookupEnv("STALE_AFTER"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parsing STALE_AFTER")
		}
		StaleAfter = d
	}

	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", key)
	}
	*dst = n
	return nil
}

type file struct {
	ListenAddr       string        `yaml:"listenAddr"`
	WorkspacePath    string        `yaml:"workspacePath"`
	LogCapacity      int           `yaml:"logCapacity"`
	MaxUploadBytes   int64         `yaml:"maxUploadBytes"`
	MinDriverVersion int           `yaml:"minDriverVersion"`
	StaleAfter       time.Duration `yaml:"staleAfter"`

	Hardware        string `yaml:"hardware"`
	HardwareVersion string `yaml:"hardwareVersion"`

	Influx struct {
		URL    string `yaml:"url"`
		Token  string `yaml:"token"`
		Org    string `yaml:"org"`
		Bucket string `yaml:"bucket"`
	} `yaml:"influx"`

	Events struct {
		QueueURL string `yaml:"queueUrl"`
		Region   string `yaml:"region"`
	} `yaml:"events"`
}

// LoadFromFile overrides the defaults with every key present in the YAML
// file at path. Call it before LoadFromEnv so the environment wins.
func LoadFromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}

	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return errors.Wrap(err, "parsing config file")
	}

	overlay(&ListenAddr, f.ListenAddr)
	overlay(&WorkspacePath, f.WorkspacePath)
	overlay(&LogCapacity, f.LogCapacity)
	overlay(&MaxUploadBytes, f.MaxUploadBytes)
	overlay(&MinDriverVersion, f.MinDriverVersion)
	overlay(&StaleAfter, f.StaleAfter)

	overlay(&Hardware, f.Hardware)
	overlay(&HardwareVersion, f.HardwareVersion)

	overlay(&InfluxURL, f.Influx.URL)
	overlay(&InfluxToken, f.Influx.Token)
	overlay(&InfluxOrg, f.Influx.Org)
	overlay(&InfluxBucket, f.Influx.Bucket)

	overlay(&EventQueueURL, f.Events.QueueURL)
	overlay(&AWSRegion, f.Events.Region)

	return nil
}

func overlay[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}
