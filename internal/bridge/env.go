package bridge

import "strings"

// Variables the cloud runtime sets for its own use. They describe the cloud
// sandbox and would mislead a local process.
var ignoredEnvPrefixes = []string{
	"TETHER_DEBUG_",
	"AWS_LAMBDA_",
	"_LAMBDA_",
	"_AWS_XRAY_",
}

var ignoredEnv = map[string]bool{
	"PATH":                     true,
	"PWD":                      true,
	"LANG":                     true,
	"NODE_PATH":                true,
	"TZ":                       true,
	"SHLVL":                    true,
	"_HANDLER":                 true,
	"LD_LIBRARY_PATH":          true,
	"LAMBDA_TASK_ROOT":         true,
	"LAMBDA_RUNTIME_DIR":       true,
	"AWS_EXECUTION_ENV":        true,
	"AWS_XRAY_DAEMON_ADDRESS":  true,
	"AWS_XRAY_CONTEXT_MISSING": true,
}

// SnapshotEnv returns the environment of the cloud function that a local
// worker should inherit, such as its credentials and configured variables.
func SnapshotEnv(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" || ignoredEnv[key] || hasIgnoredPrefix(key) {
			continue
		}
		env[key] = value
	}
	return env
}

func hasIgnoredPrefix(key string) bool {
	for _, prefix := range ignoredEnvPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
