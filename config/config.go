// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rapidaai/carecall/pkg/connectors"
)

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	// PublicBaseURL is the externally reachable base URL used to construct
	// the media-stream URL advertised in the voice webhook TwiML. The scheme
	// is optional; a bare host like "carecall.example.com" is taken as https.
	PublicBaseURL string `mapstructure:"public_base_url" validate:"required"`

	PostgresConfig connectors.PostgresConfig `mapstructure:"postgres" validate:"required"`

	// RedisURL is optional; when empty the in-process session store is used.
	RedisURL string `mapstructure:"redis_url"`

	TwilioConfig TwilioConfig `mapstructure:"twilio" validate:"required"`
	SttConfig    SttConfig    `mapstructure:"stt" validate:"required"`
	TtsConfig    TtsConfig    `mapstructure:"tts" validate:"required"`
	LlmConfig    LlmConfig    `mapstructure:"llm" validate:"required"`

	// MetricsDir is where per-call latency JSON documents are written.
	MetricsDir string `mapstructure:"metrics_dir" validate:"required"`
}

// TwilioConfig carries carrier account credentials.
type TwilioConfig struct {
	AccountSid string `mapstructure:"account_sid" validate:"required"`
	AuthToken  string `mapstructure:"auth_token" validate:"required"`
}

// SttConfig carries the streaming recognizer credentials and host.
type SttConfig struct {
	Host         string `mapstructure:"host" validate:"required"`
	ClientID     string `mapstructure:"client_id" validate:"required"`
	ClientSecret string `mapstructure:"client_secret" validate:"required"`
}

// TtsConfig carries the CLOVA Voice credentials and voice parameters.
type TtsConfig struct {
	URL       string `mapstructure:"url" validate:"required"`
	KeyID     string `mapstructure:"key_id" validate:"required"`
	KeySecret string `mapstructure:"key_secret" validate:"required"`
	Speaker   string `mapstructure:"speaker"`
	Speed     string `mapstructure:"speed"`
	Pitch     string `mapstructure:"pitch"`
	Volume    string `mapstructure:"volume"`
}

// LlmConfig carries the completion endpoint key and model.
type LlmConfig struct {
	ApiKey string `mapstructure:"api_key" validate:"required"`
	Model  string `mapstructure:"model" validate:"required"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	v.SetDefault("SERVICE_NAME", "carecall")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("METRICS_DIR", "call_metrics")
	v.SetDefault("REDIS_URL", "")

	v.SetDefault("POSTGRES__HOST", "localhost")
	v.SetDefault("POSTGRES__PORT", 5432)
	v.SetDefault("POSTGRES__DB_NAME", "carecall")
	v.SetDefault("POSTGRES__USER", "carecall")
	v.SetDefault("POSTGRES__PASSWORD", "")
	v.SetDefault("POSTGRES__MAX_OPEN_CONNECTION", 10)
	v.SetDefault("POSTGRES__MAX_IDLE_CONNECTION", 10)
	v.SetDefault("POSTGRES__SSL_MODE", "disable")

	v.SetDefault("STT__HOST", "openapi.vito.ai")
	v.SetDefault("TTS__URL", "https://naveropenapi.apigw.ntruss.com/tts-premium/v1/tts")
	v.SetDefault("TTS__SPEAKER", "nsujin")
	v.SetDefault("TTS__SPEED", "0")
	v.SetDefault("TTS__PITCH", "0")
	v.SetDefault("TTS__VOLUME", "0")
	v.SetDefault("LLM__MODEL", "gpt-4o-mini")
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
