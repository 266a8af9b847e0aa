package app

import (
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/tasks"
	"github.com/trialops/sdvlink-backend/internal/utils"
)

type Config struct {
	JWTSecretKey string
	RedisEnabled bool
	Pool         tasks.PoolConfig
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		JWTSecretKey: utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log),
		RedisEnabled: utils.GetEnv("REDIS_ADDR", "", log) != "",
		Pool:         tasks.PoolConfigFromEnv(log),
	}
}
