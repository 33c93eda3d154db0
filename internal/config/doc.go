// Package config loads the validator's configuration.
//
// # Sources
//
// Values are applied in this order, later sources winning:
//
//	1. Default()
//	2. YAML file: $LICVERIFY_CONFIG, or licverify.yaml next to the executable
//	3. Environment variables prefixed LICVERIFY_
//
// Environment variable names follow the struct layout:
//
//	LICVERIFY_LICENSE_PUBLIC_KEY_FILE=keys/issuer.pem
//	LICVERIFY_LICENSE_SUPPORTED_TYPES=None,Standard
//	LICVERIFY_LICENSE_PKCS11_MODULE=/usr/lib/softhsm/libsofthsm2.so
//	LICVERIFY_NTP_SERVER=time.google.com
//	LICVERIFY_SERVER_PORT=9090
//	LICVERIFY_LOGGING_LEVEL=debug
//
// A YAML file uses the same sections:
//
//	license:
//	  public_key_file: keys/issuer.pem
//	  require_network_time: true
//	  supported_types: [None]
//	ntp:
//	  server: time-a-b.nist.gov
//	  timeout: 3s
//
// Relative paths are resolved against the executable directory. Unknown
// YAML keys are an error.
//
// # Validation
//
// Load calls Validate, which checks struct tags with
// go-playground/validator and the rules that span fields. ValidatorConfig
// converts the license and NTP sections into a license.Config.
package config
