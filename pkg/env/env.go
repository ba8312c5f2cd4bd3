// Package env keeps names of environment variables with special significance to
// evald.
package env

// Environment variables with special significance to evald.
//
// Note that some of these env vars may be significant only in special
// circumstances, such as when running unit tests.
const (
	// Project to activate before serving the first operation.
	EVALD_PROJECT = "EVALD_PROJECT"
	// Path of the configuration file.
	EVALD_CONFIG = "EVALD_CONFIG"
	// Overrides the log level from the configuration file.
	EVALD_LOG_LEVEL = "EVALD_LOG_LEVEL"
	// Overrides the evaluation mode ("subprocess" or "inprocess").
	EVALD_MODE = "EVALD_MODE"
	// Scales timeouts in tests.
	EVALD_TEST_TIME_SCALE = "EVALD_TEST_TIME_SCALE"

	HOME            = "HOME"
	XDG_CONFIG_HOME = "XDG_CONFIG_HOME"
	XDG_DATA_HOME   = "XDG_DATA_HOME"
	XDG_STATE_HOME  = "XDG_STATE_HOME"
)
