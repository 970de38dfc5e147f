package httpapi

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
// Default is 8 MiB; rotation requests carry whole work queues.
var maxBodyBytes int64 = 8 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 8 << 20
		return
	}
	maxBodyBytes = n
}

// runTimeout bounds a synchronous POST /rotations?wait=1 call.
// Zero means no additional timeout beyond server/connection timeouts.
var runTimeout = int64(0) // seconds

// SetRunTimeoutSeconds sets the synchronous run timeout in seconds (0 disables).
func SetRunTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	runTimeout = sec
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
