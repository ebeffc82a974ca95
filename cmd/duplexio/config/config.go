package config

import (
	"log/slog"

	"github.com/spf13/viper"
)

func setViperDefaults() {
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("logfile", "")
	viper.SetDefault("driver", "Simulated Device")
	viper.SetDefault("samplerate", 48000)
	viper.SetDefault("framesperbuffer", 256)
	viper.SetDefault("latency", 0.02)
	viper.SetDefault("preferdriversize", false)
	viper.SetDefault("playwav", "")
	viper.SetDefault("recordwav", "")
	viper.SetDefault("tonefrequency", 440.0)
	viper.SetDefault("duration", 5)
}

// LoadConfig reads the config file into viper, falling back to defaults
// when the file is absent.
func LoadConfig(configFilePath string) {
	setViperDefaults()

	viper.SetConfigFile(configFilePath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Info("no config file found", "configFilePath", configFilePath)
		} else {
			slog.Error("error during config read", "err", err)
			panic(err)
		}
	}
}
