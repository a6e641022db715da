package blob

// Bucket names, one per payload family.
const (
	BucketChunks    = "pr-telemetry-chunks"
	BucketArtifacts = "pr-telemetry-artifacts"
	BucketTraces    = "pr-telemetry-traces"
)
