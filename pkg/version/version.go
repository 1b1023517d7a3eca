package version

// Current defines the application version.
// It defaults to "dev" but is overwritten by the release build using -ldflags.
var Current = "dev"

const AppName = "deplyx"
