package config

import "time"

// Application identity
const (
	AppName    = "licverify"
	AppVersion = "1.0.0"
)

// Environment and file names
const (
	// EnvPrefix namespaces every environment variable, e.g. LICVERIFY_NTP_SERVER
	EnvPrefix = "LICVERIFY"
	// EnvConfigFile names an explicit YAML config file
	EnvConfigFile = EnvPrefix + "_CONFIG"

	ConfigFileName  = "licverify.yaml"
	LicenseFileName = "license.xml"
	LogFileName     = "licverify.log"
	LogsDirName     = "logs"
)

// Defaults
const (
	DefaultKeySize         = 4096
	DefaultNTPServer       = "time-a-b.nist.gov"
	DefaultNTPTimeout      = 3 * time.Second
	DefaultPort            = 8080
	DefaultCacheTTL        = 5 * time.Minute
	DefaultInvalidCacheTTL = 30 * time.Second
	DefaultMetricsPath     = "/metrics"
)
