package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                8420,
			WSPath:              "/ws",
			MaxMessageBytes:     1 << 20,
			SendBuffer:          256,
			WriteTimeoutSeconds: 10,
			PingIntervalSeconds: 30,
			EventsPerSecond:     50,
			EventBurst:          100,
			MaxHistory:          1000,
		},
		Store: StoreConfig{
			DBPath: "~/.channelhub/channelhub.db",
		},
		Queue: QueueConfig{
			Backend: "sqlite",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "channelhub",
			},
		},
		Data: DataConfig{
			Backend:      "sqlite",
			PebblePath:   "~/.channelhub/blobs",
			MaxBlobBytes: 8 << 20,
		},
		Persist: PersistConfig{
			BufferSize: 1024,
		},
		Retention: RetentionConfig{
			Enabled:      true,
			Cron:         "0 * * * *",
			DataTTLHours: 24 * 7,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
