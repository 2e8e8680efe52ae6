package envvar

const (
	// VoxforgeEnv is the environment variable used to determine the environment
	VoxforgeEnv = "VOXFORGE_ENV"

	// VoxforgeLogLevel is the environment variable used to determine the log level
	VoxforgeLogLevel = "VOXFORGE_LOG_LEVEL"

	// VoxforgeServerHTTPPort is the environment variable used to determine the HTTP port
	VoxforgeServerHTTPPort = "VOXFORGE_HTTP_PORT"

	// VoxforgeServerGRPCPort is the environment variable used to determine the gRPC port
	VoxforgeServerGRPCPort = "VOXFORGE_GRPC_PORT"

	// VoxforgePython is the environment variable used to locate the Python interpreter
	// that has the Coqui TTS package installed.
	VoxforgePython = "VOXFORGE_PYTHON"

	// VoxforgeDevice forces the compute device (auto, cpu, cuda).
	VoxforgeDevice = "VOXFORGE_DEVICE"

	// VoxforgeTempDir is the environment variable used to override the directory for
	// per-request temporary audio files.
	VoxforgeTempDir = "VOXFORGE_TEMP_DIR"

	// VoxforgeCacheDir is the environment variable used to override the cache directory.
	VoxforgeCacheDir = "VOXFORGE_CACHE_DIR"
)
