package config

// EnvPrefix is passed to envconfig; individual fields carry explicit names.
const EnvPrefix = "MERCARO"

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

const (
	EnvAppEnv   = "MERCARO_APP_ENV"
	EnvPort     = "MERCARO_APP_PORT"
	EnvDBDSN    = "MERCARO_DB_DSN"
	EnvDBHost   = "MERCARO_DB_HOST"
	EnvDBUser   = "MERCARO_DB_USER"
	EnvDBName   = "MERCARO_DB_NAME"
	EnvDBPass   = "MERCARO_DB_PASSWORD"
	EnvRedisURL = "MERCARO_REDIS_URL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
