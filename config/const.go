package config

import "time"

const (
	SavePath = "/save_stage"

	DefaultPort       = 8000
	DefaultTargetFile = "stages.js"
	DefaultStaticRoot = "."
	DefaultBodyLimit  = 10 * 1024 * 1024 // 10 MB
	DefaultNotifyPath = "/ws/stages"

	ShutdownTimeout = 10 * time.Second

	// per notification client, slow clients are dropped once it fills up
	NotifySendBuffer = 16

	EnvPrefix = "STAGESAVE"
)
