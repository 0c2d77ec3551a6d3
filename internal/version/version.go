package version

// Version is overridden at build time with -ldflags "-X aistudio2api-go/internal/version.Version=...".
var Version = "dev"
