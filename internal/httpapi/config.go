package httpapi

import "time"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

const defaultMaxUploadBytes = 64 << 20

// maxUploadBytes bounds multipart image uploads on POST /jobs.
var maxUploadBytes int64 = defaultMaxUploadBytes

// SetMaxUploadBytes configures the upload limit; non-positive restores the default.
func SetMaxUploadBytes(n int64) {
	if n <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
		return
	}
	maxUploadBytes = n
}

// sseHeartbeat is the interval between keep-alive comments on event streams.
var sseHeartbeat = 15 * time.Second

// SetSSEHeartbeatSeconds sets the heartbeat interval. Values below one second are raised to one.
func SetSSEHeartbeatSeconds(sec int64) {
	if sec < 1 {
		sec = 1
	}
	sseHeartbeat = time.Duration(sec) * time.Second
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
