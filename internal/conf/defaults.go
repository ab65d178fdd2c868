// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/psgscore.log")
	viper.SetDefault("logging.file_output.level", "info")

	viper.SetDefault("scoring.epochlength", 30.0)
	viper.SetDefault("scoring.durationtolerance", 1.0)
	viper.SetDefault("scoring.nangaps", false)
	viper.SetDefault("scoring.workers", 4)
	viper.SetDefault("scoring.cachettl", 30*time.Minute)
	viper.SetDefault("scoring.rater", "")

	viper.SetDefault("ingest.channelnames", []string{})
	viper.SetDefault("ingest.scale", 1.0)

	viper.SetDefault("output.format", "yaml")
	viper.SetDefault("output.path", "annotations/")
	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "psgscore.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "")
	viper.SetDefault("output.mysql.password", "")
	viper.SetDefault("output.mysql.passwordfile", "")
	viper.SetDefault("output.mysql.database", "psgscore")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8080")
	viper.SetDefault("webserver.debug", false)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "0.0.0.0:8090")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsnfile", "")
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.environment", "production")
	viper.SetDefault("sentry.debug", false)
}
