package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Engine:    DefaultEngineConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "collabflow",
		Password:        "",
		Name:            "collabflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultEngineConfig returns the default collaboration policy.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefinitionsPath: "definitions.yaml",
		HandlerMode:     "scripted",
		Approval: ApprovalConfig{
			ConfidenceThreshold: 0.7,
			ReminderAfter:       15 * time.Minute,
			ReviewTimeout:       30 * time.Minute,
		},
		Conflict: ConflictConfig{
			Expiry:             time.Hour,
			EscalationRetryCap: 3,
			InputRateLimit:     10,
			InputRateBurst:     20,
		},
		Session: SessionConfig{
			RecoveryWindow: 60 * time.Second,
			IdleTimeout:    30 * time.Minute,
			PresenceTTL:    30 * time.Minute,
		},
		Context: ContextBudgetConfig{
			MaxBytes:  64 * 1024,
			MaxTokens: 8000,
		},
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "collabflow",
		SampleRate:   0.1,
	}
}
