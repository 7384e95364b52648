package config

import "time"

var (
	ListenAddr     string = ":5010"
	WorkspacePath  string = "workspace"
	LogCapacity    int    = 1000
	MaxUploadBytes int64  = 10 << 30

	MinDriverVersion int = 4

	StaleAfter time.Duration = 10 * time.Minute
)

var (
	Hardware        string
	HardwareVersion string
)

var (
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
)

var (
	EventQueueURL string

	AWSRegion       string = "ap-northeast-2"
	AccessKeyID     string
	SecretAccessKey string
)
