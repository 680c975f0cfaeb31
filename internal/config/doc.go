// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// After the file is parsed, RTMUX_<SECTION>_<FIELD> variables override individual
// fields, e.g. RTMUX_TRANSPORT_URL or RTMUX_AUDIT_DB_PASSWORD.
package config
