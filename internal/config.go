package internal

import "time"

// Config defines the master server's environment variables.
type Config struct {
	Host string `env:"HOST,default=0.0.0.0"`
	Port int    `env:"PORT,default=5000"`

	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	// Secret used to sign session tokens. Required so restarts do not
	// silently invalidate every issued token.
	TokenKey      string        `env:"TOKEN_KEY,required=true"`
	TokenIssuer   string        `env:"TOKEN_ISSUER,default=master"`
	TokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`

	// Argon2id hash of the spawner key. Empty disables spawner auth.
	SpawnerKeyHash string `env:"SPAWNER_KEY_HASH"`

	RegisterRoomPermissionLevel    int  `env:"REGISTER_ROOM_PERMISSION_LEVEL,default=0"`
	RegisterSpawnerPermissionLevel int  `env:"REGISTER_SPAWNER_PERMISSION_LEVEL,default=1"`
	SpawnerPermissionLevel         int  `env:"SPAWNER_PERMISSION_LEVEL,default=1"`
	EnableClientSpawnRequests      bool `env:"ENABLE_CLIENT_SPAWN_REQUESTS,default=true"`

	AccessCheckTimeout  time.Duration `env:"ACCESS_CHECK_TIMEOUT,default=3s"`
	AccessSweepInterval time.Duration `env:"ACCESS_SWEEP_INTERVAL,default=1s"`
	QueueUpdateInterval time.Duration `env:"QUEUE_UPDATE_INTERVAL,default=100ms"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT,default=60s"`
	RestartInterval     time.Duration `env:"RESTART_INTERVAL,default=5s"`

	EventBufferSize      int `env:"EVENT_BUFFER_SIZE,default=1024"`
	ConnectionBufferSize int `env:"CONNECTION_BUFFER_SIZE,default=64"`

	// Empty path disables journaling entirely.
	BadgerFilepath string `env:"BADGER_FILEPATH"`
}
