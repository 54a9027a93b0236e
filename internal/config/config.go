package config

type Config interface {
	EnvConfig
	APIConfig
	SessionConfig
}

type mainConfig struct {
	EnvVars
	API
	Session
}

func New() Config {
	return mainConfig{}
}
